// Package internal holds helpers shared by the engine packages: random token
// generation and digesting. Nothing here is part of the public API.
package internal
