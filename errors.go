package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingCredential is returned when no credential was presented at all.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers bad passwords, revoked tokens, and malformed input.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential is returned when a credential is past its expiry.
	ErrExpiredCredential = errors.New("expired credential")
	// ErrKindMismatch is returned when an access credential is presented where a
	// refresh credential is expected, or vice versa.
	ErrKindMismatch = errors.New("credential kind mismatch")
	// ErrRotationConflict is returned when a refresh rotation loses the
	// compare-and-swap against the stored value.
	ErrRotationConflict = errors.New("refresh rotation conflict")
	// ErrSessionEndedElsewhere wraps ErrRotationConflict for the case where the
	// stored refresh value was replaced by a newer, still-valid sign-in.
	ErrSessionEndedElsewhere = fmt.Errorf("%w: session ended by sign-in elsewhere", ErrRotationConflict)
	// ErrMfaRequired signals that the sign-in needs a second factor before
	// credentials are issued.
	ErrMfaRequired = errors.New("mfa required")
	// ErrMfaSessionInvalid is returned when the presented challenge token does not
	// match the live challenge for the account.
	ErrMfaSessionInvalid = errors.New("mfa session invalid")
	// ErrMfaSessionExpired is returned when the challenge token timed out.
	ErrMfaSessionExpired = errors.New("mfa session expired")
	// ErrMfaSessionAlreadyUsed is returned to the loser of a concurrent verify on
	// the same challenge token.
	ErrMfaSessionAlreadyUsed = errors.New("mfa session already used")
	// ErrCodeInvalid is returned when the verification provider rejects a code.
	ErrCodeInvalid = errors.New("verification code invalid")
	// ErrAlreadyVerified is returned when a destination was already proven.
	ErrAlreadyVerified = errors.New("destination already verified")
	// ErrNotRegistered is returned when a flow requires an existing account and
	// the destination belongs to none.
	ErrNotRegistered = errors.New("account not registered")
	// ErrAlreadyRegistered is returned when a flow requires a free destination and
	// it already belongs to an account.
	ErrAlreadyRegistered = errors.New("account already registered")
	// ErrRateLimited is returned when the caller exhausted the attempt window.
	ErrRateLimited = errors.New("rate limited")
	// ErrResetTokenInvalidOrUsed is returned when a reset consume affects no
	// record: the token was already spent or expired, likely a race or stale link.
	ErrResetTokenInvalidOrUsed = errors.New("reset token invalid or already used")
	// ErrProviderUnavailable is returned when the verification provider fails.
	// It never degrades to treating the caller as verified.
	ErrProviderUnavailable = errors.New("verification provider unavailable")
	// ErrEngineNotReady is returned when the engine is used before Build wired
	// its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitedError carries the retry-after hint alongside ErrRateLimited.
// errors.Is(err, ErrRateLimited) holds for every denial.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", int(e.RetryAfter.Seconds()))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

func rateLimited(retryAfter time.Duration) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &RateLimitedError{RetryAfter: retryAfter}
}
