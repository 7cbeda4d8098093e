package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tselikov/authcore/internal"
)

// RequestOtp dispatches a one-time code to destination for the given purpose.
// Preconditions by purpose:
//
//   - signup, phone_verify: the destination must not belong to a registered
//     account (phone_verify tolerates an unverified claim on it).
//   - signin, mfa: the destination must belong to a registered account.
//   - password_reset: existence is checked but never revealed; the call
//     reports success either way and simply skips dispatch for strangers.
func (e *Engine) RequestOtp(ctx context.Context, purpose OtpPurpose, destination string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !purpose.valid() {
		return fmt.Errorf("%w: unknown otp purpose %q", ErrInvalidCredential, purpose)
	}
	if destination == "" {
		return ErrMissingCredential
	}

	if err := e.admit(ctx, e.limiter, admitKey(ctx, "otp:"+string(purpose), destination)); err != nil {
		return err
	}

	account, lookupErr := e.lookupByDestination(ctx, destination)
	accountID := ""
	registered := lookupErr == nil
	if registered {
		accountID = account.AccountID
	}

	switch purpose {
	case PurposeSignup:
		if registered {
			return ErrAlreadyRegistered
		}
	case PurposePhoneVerify:
		if registered && account.PhoneVerified {
			return ErrAlreadyVerified
		}
	case PurposeSignin, PurposeMfa:
		if !registered {
			return ErrNotRegistered
		}
	case PurposePasswordReset:
		if !registered {
			// Same outward shape as the registered case.
			e.emitAudit(ctx, auditEventOtpRequest, true, "", nil, func() map[string]string {
				return map[string]string{"purpose": string(purpose), "dispatched": "false"}
			})
			return nil
		}
	}

	p, _, err := e.providerFor(destination)
	if err != nil {
		return err
	}

	ref, err := p.Send(ctx, destination)
	if err != nil {
		e.metricInc(MetricProviderFailure)
		e.emitAudit(ctx, auditEventOtpRequest, false, accountID, err, nil)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if _, err := e.ledger.Append(ctx, purpose, destination, accountID, ref, e.config.Otp.AttemptTTL); err != nil {
		return err
	}

	e.metricInc(MetricOtpRequested)
	e.emitAudit(ctx, auditEventOtpRequest, true, accountID, nil, func() map[string]string {
		return map[string]string{"purpose": string(purpose)}
	})
	return nil
}

// ConfirmOtp checks a submitted code against the pending attempt for the
// (purpose, destination) pair. The result shape depends on the purpose:
// signin and mfa issue a credential pair, password_reset issues a single-use
// reset token, signup and phone_verify report bare verification.
func (e *Engine) ConfirmOtp(ctx context.Context, purpose OtpPurpose, destination, code string) (OtpResult, error) {
	if err := e.ready(); err != nil {
		return OtpResult{}, err
	}
	if !purpose.valid() {
		return OtpResult{}, fmt.Errorf("%w: unknown otp purpose %q", ErrInvalidCredential, purpose)
	}
	if destination == "" || code == "" {
		return OtpResult{}, ErrMissingCredential
	}

	limitKey := admitKey(ctx, "otpc:"+string(purpose), destination)
	if err := e.admit(ctx, e.limiter, limitKey); err != nil {
		return OtpResult{}, err
	}

	attempt, err := e.ledger.Latest(ctx, purpose, destination)
	if err != nil {
		if errors.Is(err, errAttemptNotFound) {
			return OtpResult{}, ErrCodeInvalid
		}
		return OtpResult{}, err
	}
	if attempt.Status != AttemptPending {
		return OtpResult{}, ErrCodeInvalid
	}

	p, _, err := e.providerFor(destination)
	if err != nil {
		return OtpResult{}, err
	}

	check, err := p.Check(ctx, destination, code)
	if err != nil {
		e.metricInc(MetricProviderFailure)
		return OtpResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !check.Approved {
		e.metricInc(MetricOtpFailed)
		e.emitAudit(ctx, auditEventOtpConfirm, false, attempt.AccountID, ErrCodeInvalid, func() map[string]string {
			return map[string]string{"purpose": string(purpose), "reason": check.Reason}
		})
		return OtpResult{}, ErrCodeInvalid
	}

	if err := e.ledger.UpdateStatus(ctx, purpose, destination, attempt.AttemptID, AttemptApproved, e.config.Otp.FreshnessWindow); err != nil {
		if errors.Is(err, errAttemptTerminal) || errors.Is(err, errAttemptMismatch) || errors.Is(err, errAttemptNotFound) {
			return OtpResult{}, ErrCodeInvalid
		}
		return OtpResult{}, err
	}

	if err := e.limiter.ResetOnSuccess(ctx, limitKey); err != nil {
		e.warnf("resetting otp window for %s: %v", destination, err)
	}

	e.metricInc(MetricOtpConfirmed)

	priorAttempts, _ := e.ledger.AttemptCount(ctx, purpose, destination)
	e.emitAudit(ctx, auditEventOtpConfirm, true, attempt.AccountID, nil, func() map[string]string {
		return map[string]string{
			"purpose":  string(purpose),
			"attempts": strconv.FormatInt(priorAttempts, 10),
		}
	})

	switch purpose {
	case PurposeSignin, PurposeMfa:
		return e.otpSignIn(ctx, purpose, destination, attempt.AccountID)
	case PurposePasswordReset:
		return e.otpResetToken(ctx, purpose, destination, attempt.AccountID)
	default:
		return OtpResult{Verified: true, AccountID: attempt.AccountID}, nil
	}
}

// otpSignIn spends the fresh approval on a credential pair.
func (e *Engine) otpSignIn(ctx context.Context, purpose OtpPurpose, destination, accountID string) (OtpResult, error) {
	if accountID == "" {
		account, err := e.lookupByDestination(ctx, destination)
		if err != nil {
			return OtpResult{}, ErrNotRegistered
		}
		accountID = account.AccountID
	}

	if err := e.ledger.Consume(ctx, purpose, destination); err != nil {
		e.warnf("consuming otp approval for %s: %v", accountID, err)
	}

	pair, err := e.issueSession(ctx, accountID)
	if err != nil {
		return OtpResult{}, err
	}

	e.metricInc(MetricSignInSuccess)
	return OtpResult{Verified: true, AccountID: accountID, Pair: pair}, nil
}

// otpResetToken spends the fresh approval on a short-lived reset token.
func (e *Engine) otpResetToken(ctx context.Context, purpose OtpPurpose, destination, accountID string) (OtpResult, error) {
	if accountID == "" {
		account, err := e.lookupByDestination(ctx, destination)
		if err != nil {
			// Approved code for an unregistered destination. Report verified
			// without a token so existence stays hidden.
			return OtpResult{Verified: true}, nil
		}
		accountID = account.AccountID
	}

	tokenValue, err := internal.NewOpaqueToken()
	if err != nil {
		return OtpResult{}, err
	}

	expiresAt := time.Now().Add(e.config.PasswordReset.ResetTTL)
	if err := e.store.SetResetToken(ctx, accountID, internal.HashToken(tokenValue), expiresAt); err != nil {
		return OtpResult{}, err
	}

	if err := e.ledger.Consume(ctx, purpose, destination); err != nil {
		e.warnf("consuming otp approval for %s: %v", accountID, err)
	}

	e.metricInc(MetricResetIssued)
	return OtpResult{Verified: true, AccountID: accountID, ResetToken: tokenValue}, nil
}
