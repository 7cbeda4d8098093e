// Package provider contains the one-time code delivery adapters: an SMS
// gateway client and an SMTP mailer. Both implement the Provider contract the
// engine verifies codes through.
package provider
