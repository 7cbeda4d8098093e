package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tselikov/authcore/internal"
)

// issueChallenge creates a single-use second-factor challenge for the account.
// Only the digest of the token is stored.
func (e *Engine) issueChallenge(ctx context.Context, account AccountRecord, primary MfaMethod) (*ChallengeInfo, error) {
	tokenValue, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(e.config.Mfa.ChallengeTTL)
	hash := internal.HashToken(tokenValue)

	if err := e.store.SetChallenge(ctx, account.AccountID, hash, expiresAt, string(primary)); err != nil {
		return nil, err
	}

	return &ChallengeInfo{
		Token:            tokenValue,
		ExpiresAt:        expiresAt,
		AvailableMethods: availableMethods(account, primary),
	}, nil
}

// availableMethods lists the delivery channels the account can receive a code
// on, primary first.
func availableMethods(account AccountRecord, primary MfaMethod) []MfaMethod {
	methods := make([]MfaMethod, 0, 2)
	if primary.valid() {
		methods = append(methods, primary)
	}
	if account.Email != "" && primary != MfaEmail {
		methods = append(methods, MfaEmail)
	}
	if account.Phone != "" && account.PhoneVerified && primary != MfaSMS {
		methods = append(methods, MfaSMS)
	}
	return methods
}

// SendMfaCode dispatches a second-factor code for a pending challenge over the
// chosen method. Repeated sends are allowed within the per-account send window
// and replace the previous code.
func (e *Engine) SendMfaCode(ctx context.Context, challengeToken string, method MfaMethod) error {
	if err := e.ready(); err != nil {
		return err
	}
	if challengeToken == "" {
		return ErrMissingCredential
	}
	if !method.valid() {
		return fmt.Errorf("%w: unknown mfa method %q", ErrInvalidCredential, method)
	}

	hash := internal.HashToken(challengeToken)

	accountID, err := e.store.ChallengeAccount(ctx, hash)
	if err != nil {
		if errors.Is(err, errChallengeMissing) {
			return ErrMfaSessionInvalid
		}
		return err
	}

	rec, err := e.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !rec.hasChallenge() || rec.ChallengeHash != hash {
		return ErrMfaSessionInvalid
	}
	if time.Now().Unix() > rec.ChallengeExpiresAt {
		return ErrMfaSessionExpired
	}

	if err := e.admit(ctx, e.sendLimiter, "mfasend:"+accountID); err != nil {
		return err
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return ErrMfaSessionInvalid
	}

	destination, err := methodDestination(account, method)
	if err != nil {
		return err
	}

	p, err := e.providerByMethod(method)
	if err != nil {
		return err
	}

	// The stored method is switched before anything is dispatched, so a code
	// never goes out without the challenge reflecting where it went.
	if err := e.store.UpdateChallengeMethod(ctx, accountID, hash, string(method)); err != nil {
		return mapChallengeErr(err)
	}

	ref, err := p.Send(ctx, destination)
	if err != nil {
		e.metricInc(MetricProviderFailure)
		e.emitAudit(ctx, auditEventMfaSend, false, accountID, err, nil)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if _, err := e.ledger.Append(ctx, PurposeMfa, destination, accountID, ref, e.config.Otp.AttemptTTL); err != nil {
		e.warnf("recording mfa attempt for %s: %v", accountID, err)
	}

	e.emitAudit(ctx, auditEventMfaSend, true, accountID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

// VerifyMfa completes a challenged sign-in. The challenge is single-use: of N
// concurrent calls with the correct code, exactly one gets credentials and the
// rest report the session as already used. The provider is consulted before
// the challenge is consumed, so a wrong code leaves it answerable.
func (e *Engine) VerifyMfa(ctx context.Context, challengeToken, code string) (SignInResult, error) {
	if err := e.ready(); err != nil {
		return SignInResult{}, err
	}
	if challengeToken == "" || code == "" {
		return SignInResult{}, ErrMissingCredential
	}

	hash := internal.HashToken(challengeToken)

	accountID, err := e.store.ChallengeAccount(ctx, hash)
	if err != nil {
		if errors.Is(err, errChallengeMissing) {
			return SignInResult{}, ErrMfaSessionInvalid
		}
		return SignInResult{}, err
	}

	rec, err := e.store.Get(ctx, accountID)
	if err != nil {
		return SignInResult{}, err
	}
	if !rec.hasChallenge() {
		// The index resolved but the slot is empty: the token was real and has
		// been consumed already.
		e.metricInc(MetricMfaReplay)
		return SignInResult{}, ErrMfaSessionAlreadyUsed
	}
	if rec.ChallengeHash != hash {
		return SignInResult{}, ErrMfaSessionInvalid
	}
	if time.Now().Unix() > rec.ChallengeExpiresAt {
		return SignInResult{}, ErrMfaSessionExpired
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return SignInResult{}, ErrMfaSessionInvalid
	}

	method := MfaMethod(rec.ChallengeMethod)
	destination, err := methodDestination(account, method)
	if err != nil {
		return SignInResult{}, err
	}

	p, err := e.providerByMethod(method)
	if err != nil {
		return SignInResult{}, err
	}

	result, err := p.Check(ctx, destination, code)
	if err != nil {
		e.metricInc(MetricProviderFailure)
		return SignInResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !result.Approved {
		e.metricInc(MetricMfaVerifyFailure)
		e.settleMfaAttempt(ctx, destination, AttemptFailed)
		e.emitAudit(ctx, auditEventMfaVerify, false, accountID, ErrCodeInvalid, nil)
		return SignInResult{}, ErrCodeInvalid
	}

	consumedMethod, err := e.store.ConsumeChallenge(ctx, accountID, hash)
	if err != nil {
		mapped := mapChallengeErr(err)
		if errors.Is(mapped, ErrMfaSessionAlreadyUsed) {
			e.metricInc(MetricMfaReplay)
		}
		e.emitAudit(ctx, auditEventMfaVerify, false, accountID, mapped, nil)
		return SignInResult{}, mapped
	}
	if consumedMethod != string(method) {
		// A concurrent method switch landed between the snapshot and the
		// consume, so the code was checked against the wrong destination.
		e.metricInc(MetricMfaVerifyFailure)
		e.emitAudit(ctx, auditEventMfaVerify, false, accountID, ErrMfaSessionInvalid, nil)
		return SignInResult{}, ErrMfaSessionInvalid
	}

	e.settleMfaAttempt(ctx, destination, AttemptApproved)

	pair, err := e.issueSession(ctx, accountID)
	if err != nil {
		return SignInResult{}, err
	}

	e.metricInc(MetricMfaVerifySuccess)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventMfaVerify, true, accountID, nil, nil)

	return SignInResult{AccountID: accountID, Pair: pair}, nil
}

// settleMfaAttempt moves the latest mfa ledger attempt to a terminal status.
// Ledger bookkeeping never blocks the sign-in outcome.
func (e *Engine) settleMfaAttempt(ctx context.Context, destination string, to AttemptStatus) {
	attempt, err := e.ledger.Latest(ctx, PurposeMfa, destination)
	if err != nil || attempt.Status != AttemptPending {
		return
	}
	if err := e.ledger.UpdateStatus(ctx, PurposeMfa, destination, attempt.AttemptID, to, e.config.Otp.FreshnessWindow); err != nil {
		e.warnf("settling mfa attempt for %s: %v", destination, err)
	}
}

// SetupMfa enables the second factor on the account. SMS requires a verified
// phone number; email uses the address proven at registration.
func (e *Engine) SetupMfa(ctx context.Context, accessToken string, method MfaMethod) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !method.valid() {
		return fmt.Errorf("%w: unknown mfa method %q", ErrInvalidCredential, method)
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	account, err := e.accounts.GetByID(ctx, identity.AccountID)
	if err != nil {
		return ErrInvalidCredential
	}
	if _, err := methodDestination(account, method); err != nil {
		return err
	}

	if err := e.store.SetMFA(ctx, identity.AccountID, true, string(method)); err != nil {
		e.emitAudit(ctx, auditEventMfaSetup, false, identity.AccountID, err, nil)
		return err
	}

	e.emitAudit(ctx, auditEventMfaSetup, true, identity.AccountID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

// DisableMfa turns the second factor off and clears any pending challenge.
func (e *Engine) DisableMfa(ctx context.Context, accessToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := e.store.SetMFA(ctx, identity.AccountID, false, ""); err != nil {
		e.emitAudit(ctx, auditEventMfaDisable, false, identity.AccountID, err, nil)
		return err
	}

	e.emitAudit(ctx, auditEventMfaDisable, true, identity.AccountID, nil, nil)
	return nil
}

// methodDestination resolves the account destination for a delivery method.
func methodDestination(account AccountRecord, method MfaMethod) (string, error) {
	switch method {
	case MfaEmail:
		if account.Email == "" {
			return "", fmt.Errorf("%w: account has no email", ErrInvalidCredential)
		}
		return account.Email, nil
	case MfaSMS:
		if account.Phone == "" || !account.PhoneVerified {
			return "", fmt.Errorf("%w: account has no verified phone", ErrInvalidCredential)
		}
		return account.Phone, nil
	}
	return "", fmt.Errorf("%w: unknown mfa method %q", ErrInvalidCredential, method)
}

func mapChallengeErr(err error) error {
	switch {
	case errors.Is(err, errChallengeMissing), errors.Is(err, errChallengeMismatch):
		return ErrMfaSessionInvalid
	case errors.Is(err, errChallengeExpired):
		return ErrMfaSessionExpired
	case errors.Is(err, errChallengeUsed):
		return ErrMfaSessionAlreadyUsed
	default:
		return err
	}
}
