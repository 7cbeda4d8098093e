package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tselikov/authcore/internal/rate"
	"github.com/tselikov/authcore/password"
	"github.com/tselikov/authcore/provider"
	"github.com/tselikov/authcore/token"
)

const (
	admitLimiterPrefix = "arl"
	sendLimiterPrefix  = "msl"
)

// Builder assembles an Engine. Chain the With methods and finish with Build.
type Builder struct {
	config    Config
	configSet bool
	redis     redis.UniversalClient
	accounts  AccountProvider
	providers map[MfaMethod]provider.Provider
	auditSink AuditSink
	warn      func(format string, args ...any)
}

// New starts a Builder with default configuration.
func New() *Builder {
	return &Builder{providers: make(map[MfaMethod]provider.Provider)}
}

// WithConfig replaces the default configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.configSet = true
	return b
}

// WithRedis sets the Redis client backing the credential store, the OTP
// ledger, and the rate limiters.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccounts connects the caller's account database.
func (b *Builder) WithAccounts(ap AccountProvider) *Builder {
	b.accounts = ap
	return b
}

// WithProvider registers the delivery adapter for a method.
func (b *Builder) WithProvider(method MfaMethod, p provider.Provider) *Builder {
	b.providers[method] = p
	return b
}

// WithAuditSink sets the destination for audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithWarnLogger overrides the default standard-library warning logger.
func (b *Builder) WithWarnLogger(fn func(format string, args ...any)) *Builder {
	b.warn = fn
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	cfg := b.config
	if !b.configSet {
		cfg = defaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.accounts == nil {
		return nil, errors.New("account provider is required")
	}

	tokens, err := token.NewManager(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
	})
	if err != nil {
		return nil, err
	}

	passwords, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	providers := make(map[MfaMethod]provider.Provider, len(b.providers))
	for method, p := range b.providers {
		providers[method] = p
	}

	engine := &Engine{
		config:    cfg,
		tokens:    tokens,
		passwords: passwords,
		accounts:  b.accounts,
		providers: providers,
		store:     newCredentialStore(b.redis),
		ledger:    newOtpLedger(b.redis, cfg.Otp.HistoryDepth),
		limiter: rate.New(b.redis, admitLimiterPrefix, rate.Config{
			Window:      cfg.RateLimit.Window,
			MaxAttempts: cfg.RateLimit.MaxAttempts,
		}),
		sendLimiter: rate.New(b.redis, sendLimiterPrefix, rate.Config{
			Window:      cfg.Mfa.SendWindow,
			MaxAttempts: cfg.Mfa.SendsPerWindow,
		}),
		metrics: newMetrics(cfg.Metrics),
		warn:    b.warn,
	}
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)

	return engine, nil
}
