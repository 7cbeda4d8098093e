package provider

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tselikov/authcore/internal"
)

// CheckResult is the outcome of a code check. A false Approved with a nil
// error is a definitive reject; transport failures surface as errors instead.
type CheckResult struct {
	Approved bool
	Reason   string
}

// Provider delivers one-time codes to a destination and later checks a
// submitted code against what was delivered. Implementations own code
// generation and retention; callers never see the code itself.
type Provider interface {
	Send(ctx context.Context, destination string) (ref string, err error)
	Check(ctx context.Context, destination string, code string) (CheckResult, error)
}

// codeVault tracks issued codes per destination. A new Send for the same
// destination replaces the previous code. Checks are single-use: an approved
// code is removed so it cannot be replayed.
type codeVault struct {
	mu      sync.Mutex
	ttl     time.Duration
	digits  int
	entries map[string]vaultEntry
}

type vaultEntry struct {
	hash    [32]byte
	ref     string
	expires time.Time
}

func newCodeVault(ttl time.Duration, digits int) *codeVault {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if digits < 4 {
		digits = 6
	}
	return &codeVault{
		ttl:     ttl,
		digits:  digits,
		entries: make(map[string]vaultEntry),
	}
}

func (v *codeVault) issue(destination string) (code string, ref string, err error) {
	code, err = internal.NewOTP(v.digits)
	if err != nil {
		return "", "", err
	}
	ref = uuid.NewString()

	v.mu.Lock()
	v.entries[destination] = vaultEntry{
		hash:    internal.HashToken(code),
		ref:     ref,
		expires: time.Now().Add(v.ttl),
	}
	v.mu.Unlock()

	return code, ref, nil
}

func (v *codeVault) check(destination, code string) CheckResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[destination]
	if !ok {
		return CheckResult{Approved: false, Reason: "no pending code"}
	}
	if time.Now().After(entry.expires) {
		delete(v.entries, destination)
		return CheckResult{Approved: false, Reason: "code expired"}
	}

	submitted := internal.HashToken(code)
	if subtle.ConstantTimeCompare(submitted[:], entry.hash[:]) != 1 {
		return CheckResult{Approved: false, Reason: "code mismatch"}
	}

	delete(v.entries, destination)
	return CheckResult{Approved: true}
}
