package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tselikov/authcore/internal"
)

// ForgotPassword starts the reset flow for a destination. The response shape
// is identical for registered and unregistered destinations: only rate
// limiting and malformed input produce errors, everything else is reported as
// accepted so the call cannot be used to probe for accounts.
func (e *Engine) ForgotPassword(ctx context.Context, destination string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if destination == "" {
		return ErrMissingCredential
	}

	err := e.RequestOtp(ctx, PurposePasswordReset, destination)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		// A dispatch fault here only happens for registered destinations, so
		// surfacing it would leak existence. It is already audited and counted.
		e.warnf("forgot-password dispatch for destination: %v", err)
	}

	e.emitAudit(ctx, auditEventResetRequest, true, "", nil, nil)
	return nil
}

// ResetPassword consumes a reset token and installs the new password. The
// token is single-use under compare-and-swap: a replay, an expired token, and
// a token displaced by a newer request all report ResetTokenInvalidOrUsed,
// while a mismatch against a live token reports a plain invalid credential.
// All standing sessions are ended once the password changes.
func (e *Engine) ResetPassword(ctx context.Context, destination, resetToken, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if destination == "" || resetToken == "" || newPassword == "" {
		return ErrMissingCredential
	}

	if err := e.admit(ctx, e.limiter, admitKey(ctx, "reset", destination)); err != nil {
		return err
	}

	account, err := e.lookupByDestination(ctx, destination)
	if err != nil {
		e.metricInc(MetricResetRejected)
		return ErrResetTokenInvalidOrUsed
	}

	hash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if err := e.store.ConsumeResetToken(ctx, account.AccountID, internal.HashToken(resetToken)); err != nil {
		mapped := mapResetErr(err)
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetConfirm, false, account.AccountID, mapped, nil)
		return mapped
	}

	if err := e.accounts.UpdatePasswordHash(ctx, account.AccountID, hash); err != nil {
		e.emitAudit(ctx, auditEventResetConfirm, false, account.AccountID, err, nil)
		return err
	}

	if err := e.store.EndSession(ctx, account.AccountID, time.Now()); err != nil {
		e.warnf("ending sessions after password reset for %s: %v", account.AccountID, err)
	}

	e.metricInc(MetricResetConsumed)
	e.emitAudit(ctx, auditEventResetConfirm, true, account.AccountID, nil, nil)
	return nil
}

func mapResetErr(err error) error {
	switch {
	case errors.Is(err, errResetSpent):
		return ErrResetTokenInvalidOrUsed
	case errors.Is(err, errResetMismatch):
		return ErrInvalidCredential
	default:
		return err
	}
}
