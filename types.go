package authcore

import (
	"context"
	"strings"
	"time"
)

// MfaMethod is the delivery channel for second-factor codes.
type MfaMethod string

const (
	// MfaSMS delivers codes to the account's verified phone number.
	MfaSMS MfaMethod = "sms"
	// MfaEmail delivers codes to the account's email address.
	MfaEmail MfaMethod = "email"
)

func (m MfaMethod) valid() bool {
	return m == MfaSMS || m == MfaEmail
}

// OtpPurpose scopes a one-time-passcode flow. Each purpose carries its own
// preconditions on the destination (see Engine.RequestOtp).
type OtpPurpose string

const (
	// PurposeSignup proves a destination before an account exists.
	PurposeSignup OtpPurpose = "signup"
	// PurposeSignin proves an existing account's destination for code sign-in.
	PurposeSignin OtpPurpose = "signin"
	// PurposeMfa proves the second factor during a challenged sign-in.
	PurposeMfa OtpPurpose = "mfa"
	// PurposePasswordReset proves a destination before issuing a reset token.
	PurposePasswordReset OtpPurpose = "password_reset"
	// PurposePhoneVerify proves ownership of a phone number being attached.
	PurposePhoneVerify OtpPurpose = "phone_verify"
)

func (p OtpPurpose) valid() bool {
	switch p {
	case PurposeSignup, PurposeSignin, PurposeMfa, PurposePasswordReset, PurposePhoneVerify:
		return true
	}
	return false
}

// AttemptStatus is the lifecycle state of a verification attempt.
// Legal transitions: pending -> approved, pending -> failed, pending -> expired.
type AttemptStatus uint8

const (
	// AttemptPending is the state after a code is dispatched.
	AttemptPending AttemptStatus = iota
	// AttemptApproved is terminal: the provider accepted the code.
	AttemptApproved
	// AttemptFailed is terminal: the provider rejected the code.
	AttemptFailed
	// AttemptExpired is terminal: the attempt aged out unanswered.
	AttemptExpired
)

func (s AttemptStatus) String() string {
	switch s {
	case AttemptPending:
		return "pending"
	case AttemptApproved:
		return "approved"
	case AttemptFailed:
		return "failed"
	case AttemptExpired:
		return "expired"
	}
	return "unknown"
}

// canTransition encodes the closed transition table for attempt statuses.
func (s AttemptStatus) canTransition(to AttemptStatus) bool {
	return s == AttemptPending && (to == AttemptApproved || to == AttemptFailed || to == AttemptExpired)
}

// AccountRecord is the identity portion of an account, owned by the external
// user database and retrieved through [AccountProvider]. Mutable session state
// (refresh value, watermark, challenge and reset slots) lives in the engine's
// credential store instead.
type AccountRecord struct {
	AccountID     string
	Email         string
	Phone         string
	PhoneVerified bool
	PasswordHash  string
}

// CreateAccountInput is the input for [AccountProvider.Create].
type CreateAccountInput struct {
	Email         string
	Phone         string
	PhoneVerified bool
	PasswordHash  string
}

// AccountProvider is the interface callers implement to connect the engine to
// their user database. Lookups by destination must treat the identifier as an
// exact match; the engine never enumerates accounts.
type AccountProvider interface {
	GetByID(ctx context.Context, accountID string) (AccountRecord, error)
	GetByEmail(ctx context.Context, email string) (AccountRecord, error)
	GetByPhone(ctx context.Context, phone string) (AccountRecord, error)
	Create(ctx context.Context, input CreateAccountInput) (AccountRecord, error)
	UpdatePasswordHash(ctx context.Context, accountID, newHash string) error
}

// Pair is an issued credential pair. Only the refresh value is persisted
// (hashed) for rotation checks; access credentials are validated statelessly.
type Pair struct {
	Access           string
	Refresh          string
	AccessExpiresIn  int64
	RefreshExpiresAt time.Time
}

// SignInResult is returned by Engine.SignIn. Exactly one of Pair or Challenge
// is populated: Challenge is set when the account requires a second factor.
type SignInResult struct {
	AccountID string
	Pair      *Pair
	Challenge *ChallengeInfo
}

// ChallengeInfo describes a pending second-factor challenge.
type ChallengeInfo struct {
	Token            string
	ExpiresAt        time.Time
	AvailableMethods []MfaMethod
}

// OtpResult is returned by Engine.ConfirmOtp. The populated field depends on
// the purpose: sign-in purposes yield a Pair, password_reset yields a reset
// token, signup and phone_verify yield only Verified.
type OtpResult struct {
	Verified   bool
	AccountID  string
	Pair       *Pair
	ResetToken string
}

// Identity is the result of a successful access-credential validation.
type Identity struct {
	AccountID string
	IssuedAt  time.Time
}

// Status is returned by Engine.AuthStatus.
type Status struct {
	AccountID        string
	MfaEnabled       bool
	MfaMethod        MfaMethod
	BiometricEnabled bool
	PreferredLogin   string
	// RefreshHint is true when the access credential is close to expiry and the
	// client should refresh proactively.
	RefreshHint bool
}

// destinationIsEmail reports whether a destination string is an email address
// rather than a phone number.
func destinationIsEmail(destination string) bool {
	return strings.Contains(destination, "@")
}
