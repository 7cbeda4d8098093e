package authcore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tselikov/authcore/internal/rate"
	"github.com/tselikov/authcore/password"
	"github.com/tselikov/authcore/provider"
	"github.com/tselikov/authcore/token"
)

// Engine is the credential lifecycle facade. Build one through the Builder;
// the zero value is not usable. All methods are safe for concurrent use.
type Engine struct {
	config    Config
	tokens    *token.Manager
	passwords *password.Argon2
	accounts  AccountProvider
	providers map[MfaMethod]provider.Provider

	store  *credentialStore
	ledger *otpLedger

	limiter     *rate.Limiter
	sendLimiter *rate.Limiter

	audit   *auditDispatcher
	metrics *Metrics

	warn func(format string, args ...any)
}

func (e *Engine) ready() error {
	if e == nil || e.tokens == nil || e.accounts == nil || e.store == nil {
		return ErrEngineNotReady
	}
	return nil
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// after Close returns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// MetricsSnapshot returns a copy of the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) warnf(format string, args ...any) {
	if e == nil {
		return
	}
	if e.warn != nil {
		e.warn(format, args...)
		return
	}
	log.Printf("authcore: "+format, args...)
}

// providerFor routes a destination to the matching delivery adapter.
func (e *Engine) providerFor(destination string) (provider.Provider, MfaMethod, error) {
	method := MfaSMS
	if destinationIsEmail(destination) {
		method = MfaEmail
	}
	p, ok := e.providers[method]
	if !ok || p == nil {
		return nil, method, ErrProviderUnavailable
	}
	return p, method, nil
}

func (e *Engine) providerByMethod(method MfaMethod) (provider.Provider, error) {
	p, ok := e.providers[method]
	if !ok || p == nil {
		return nil, ErrProviderUnavailable
	}
	return p, nil
}

// admit runs a key through a limiter. Limiter backend faults degrade to allow
// with a warning; throttling is protection, not a correctness gate.
func (e *Engine) admit(ctx context.Context, limiter *rate.Limiter, key string) error {
	if limiter == nil || key == "" {
		return nil
	}

	decision, err := limiter.Admit(ctx, key)
	if err != nil {
		e.warnf("rate limiter unavailable, admitting %q: %v", key, err)
		return nil
	}
	if !decision.Allowed {
		e.emitAudit(ctx, auditEventRateLimited, false, "", ErrRateLimited, func() map[string]string {
			return map[string]string{"key": key}
		})
		return rateLimited(decision.RetryAfter)
	}
	return nil
}

// admitKey builds a limiter key from the flow scope and caller identifiers.
func admitKey(ctx context.Context, scope, subject string) string {
	ip := clientIPFromContext(ctx)
	switch {
	case subject != "" && ip != "":
		return scope + ":" + subject + ":" + ip
	case subject != "":
		return scope + ":" + subject
	case ip != "":
		return scope + ":" + ip
	}
	return ""
}

// VerifyAccess validates an access credential and returns the identity it
// carries. Expiry is never forgiven: once expired, every later check fails the
// same way. The logout watermark is consulted best-effort; a store fault
// degrades to the stateless check rather than locking every caller out.
func (e *Engine) VerifyAccess(ctx context.Context, accessToken string) (Identity, error) {
	if err := e.ready(); err != nil {
		return Identity{}, err
	}
	if accessToken == "" {
		return Identity{}, ErrMissingCredential
	}

	claims, err := e.tokens.Verify(accessToken, token.KindAccess)
	if err != nil {
		return Identity{}, mapTokenErr(err)
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	// Issue timestamps carry second precision, so only credentials from a
	// strictly earlier second are rejected. A sign-in landing in the same
	// second as the logout must stay valid.
	rec, err := e.store.Get(ctx, claims.AccountID)
	if err != nil {
		e.metricInc(MetricWatermarkFailOpen)
		e.warnf("watermark lookup failed for %s, allowing: %v", claims.AccountID, err)
	} else if rec.Watermark > 0 && !issuedAt.IsZero() && issuedAt.Unix() < rec.Watermark {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{AccountID: claims.AccountID, IssuedAt: issuedAt}, nil
}

// AuthStatus validates the access credential and reports the account's
// security posture plus a proactive-refresh hint.
func (e *Engine) AuthStatus(ctx context.Context, accessToken string) (Status, error) {
	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return Status{}, err
	}

	rec, err := e.store.Get(ctx, identity.AccountID)
	if err != nil {
		return Status{}, err
	}

	return Status{
		AccountID:        identity.AccountID,
		MfaEnabled:       rec.MfaEnabled,
		MfaMethod:        MfaMethod(rec.MfaMethod),
		BiometricEnabled: rec.BiometricEnabled,
		PreferredLogin:   rec.PreferredLogin,
		RefreshHint:      e.tokens.IsNearExpiry(accessToken, e.config.Token.NearExpiryThreshold),
	}, nil
}

// mapTokenErr converts token-package errors to the public taxonomy.
func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrExpiredCredential
	case errors.Is(err, token.ErrKindMismatch):
		return ErrKindMismatch
	default:
		return ErrInvalidCredential
	}
}
