// Package password provides argon2id hashing for account passwords and
// biometric credential digests.
package password
