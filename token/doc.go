// Package token issues and validates the signed credential pairs used by the
// engine: short-lived access credentials and long-lived refresh credentials,
// distinguished by a kind claim.
package token
