package authcore

import (
	"errors"
	"time"
)

// Config is the engine configuration. Instances are set up once at
// construction and treated as immutable afterwards.
type Config struct {
	Token         TokenConfig
	Password      PasswordConfig
	Mfa           MfaConfig
	Otp           OtpConfig
	PasswordReset PasswordResetConfig
	RateLimit     RateLimitConfig
	Signup        SignupConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// TokenConfig controls credential issuance and validation.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// SigningMethod is "hs256" or "ed25519".
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	// NearExpiryThreshold drives the proactive-refresh hint in AuthStatus.
	NearExpiryThreshold time.Duration
}

// PasswordConfig holds argon2id parameters. Memory is in KB.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// MfaConfig controls the second-factor challenge flow.
type MfaConfig struct {
	// ChallengeTTL bounds the window between password check and code verify.
	ChallengeTTL time.Duration
	// SendsPerWindow caps code dispatches per account within the rate window.
	SendsPerWindow int
	SendWindow     time.Duration
}

// OtpConfig controls purpose-scoped one-time-passcode verification.
type OtpConfig struct {
	// FreshnessWindow bounds how long an approved attempt counts as proof.
	FreshnessWindow time.Duration
	// AttemptTTL bounds how long a pending attempt stays answerable.
	AttemptTTL time.Duration
	// HistoryDepth caps the per-destination audit trail kept in the ledger.
	HistoryDepth int
}

// PasswordResetConfig controls the reset-token lifecycle.
type PasswordResetConfig struct {
	ResetTTL time.Duration
}

// RateLimitConfig is the admission window protecting public entry points.
type RateLimitConfig struct {
	Window      time.Duration
	MaxAttempts int
}

// SignupConfig controls account creation.
type SignupConfig struct {
	// RequireVerifiedDestination demands a fresh signup OTP approval before
	// the account is created.
	RequireVerifiedDestination bool
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the hot path.
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the configuration Build uses when none is supplied.
// Callers that only need to override a field or two should start from it.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:           15 * time.Minute,
			RefreshTTL:          30 * 24 * time.Hour,
			SigningMethod:       "hs256",
			NearExpiryThreshold: 2 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Mfa: MfaConfig{
			ChallengeTTL:   10 * time.Minute,
			SendsPerWindow: 5,
			SendWindow:     15 * time.Minute,
		},
		Otp: OtpConfig{
			FreshnessWindow: 15 * time.Minute,
			AttemptTTL:      30 * time.Minute,
			HistoryDepth:    20,
		},
		PasswordReset: PasswordResetConfig{
			ResetTTL: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Window:      15 * time.Minute,
			MaxAttempts: 5,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func validateConfig(cfg Config) error {
	if cfg.Token.AccessTTL <= 0 || cfg.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if cfg.Token.RefreshTTL <= cfg.Token.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if cfg.Mfa.ChallengeTTL <= 0 {
		return errors.New("mfa challenge TTL must be positive")
	}
	if cfg.Otp.FreshnessWindow <= 0 || cfg.Otp.AttemptTTL <= 0 {
		return errors.New("otp windows must be positive")
	}
	if cfg.PasswordReset.ResetTTL <= 0 {
		return errors.New("reset TTL must be positive")
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.MaxAttempts <= 0 {
		return errors.New("rate limit window and attempts must be positive")
	}
	if cfg.Otp.HistoryDepth < 0 {
		return errors.New("otp history depth must not be negative")
	}
	return nil
}
