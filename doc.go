// Package authcore is the credential lifecycle and verification engine for a
// mobile application backend. It issues and rotates token pairs, drives the
// second-factor challenge flow, runs purpose-scoped one-time-passcode
// verification, and throttles abuse of every public entry point.
//
// The engine is transport-agnostic: handlers call its operations and translate
// the sentinel error kinds into status codes and user-facing copy. Durable
// per-account session state lives in Redis and is mutated exclusively through
// conditional (compare-and-swap) updates, so concurrent requests for the same
// account race safely without locks.
package authcore
