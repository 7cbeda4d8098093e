package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tselikov/authcore/internal"
	"github.com/tselikov/authcore/token"
)

// SignUpInput carries the registration request. At least one destination is
// required; both may be set.
type SignUpInput struct {
	Email    string
	Phone    string
	Password string
}

// SignUp creates an account and signs it in. When the engine is configured to
// require a verified destination, a fresh signup code approval for the
// destination must exist; it is consumed by the account creation.
func (e *Engine) SignUp(ctx context.Context, input SignUpInput) (SignInResult, error) {
	if err := e.ready(); err != nil {
		return SignInResult{}, err
	}

	destination := input.Email
	if destination == "" {
		destination = input.Phone
	}
	if destination == "" || input.Password == "" {
		return SignInResult{}, ErrMissingCredential
	}

	if err := e.admit(ctx, e.limiter, admitKey(ctx, "signup", destination)); err != nil {
		return SignInResult{}, err
	}

	if e.config.Signup.RequireVerifiedDestination {
		_, err := e.ledger.FreshApproval(ctx, PurposeSignup, destination, e.config.Otp.FreshnessWindow)
		if err != nil {
			if errors.Is(err, errAttemptNotFound) {
				return SignInResult{}, fmt.Errorf("%w: destination not verified", ErrInvalidCredential)
			}
			return SignInResult{}, err
		}
	}

	if _, err := e.lookupByDestination(ctx, destination); err == nil {
		e.emitAudit(ctx, auditEventSignUp, false, "", ErrAlreadyRegistered, nil)
		return SignInResult{}, ErrAlreadyRegistered
	}

	hash, err := e.passwords.Hash(input.Password)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	account, err := e.accounts.Create(ctx, CreateAccountInput{
		Email:         input.Email,
		Phone:         input.Phone,
		PhoneVerified: input.Phone != "" && destination == input.Phone && e.config.Signup.RequireVerifiedDestination,
		PasswordHash:  hash,
	})
	if err != nil {
		return SignInResult{}, err
	}

	if e.config.Signup.RequireVerifiedDestination {
		if err := e.ledger.Consume(ctx, PurposeSignup, destination); err != nil {
			e.warnf("consuming signup approval for %s: %v", account.AccountID, err)
		}
	}

	pair, err := e.issueSession(ctx, account.AccountID)
	if err != nil {
		return SignInResult{}, err
	}

	e.metricInc(MetricSignUpSuccess)
	e.emitAudit(ctx, auditEventSignUp, true, account.AccountID, nil, nil)

	return SignInResult{AccountID: account.AccountID, Pair: pair}, nil
}

// SignIn checks the password for the account behind identifier. Accounts with
// a second factor enabled get a challenge instead of credentials; the result
// carries the challenge and the error satisfies errors.Is(err, ErrMfaRequired).
// Unknown identifiers and wrong passwords are indistinguishable to the caller.
func (e *Engine) SignIn(ctx context.Context, identifier, passwordPlain string) (SignInResult, error) {
	if err := e.ready(); err != nil {
		return SignInResult{}, err
	}
	if identifier == "" || passwordPlain == "" {
		return SignInResult{}, ErrMissingCredential
	}

	limitKey := admitKey(ctx, "signin", identifier)
	if err := e.admit(ctx, e.limiter, limitKey); err != nil {
		e.metricInc(MetricSignInRateLimited)
		return SignInResult{}, err
	}

	account, err := e.lookupByDestination(ctx, identifier)
	if err != nil {
		e.metricInc(MetricSignInFailure)
		e.emitAudit(ctx, auditEventSignIn, false, "", ErrInvalidCredential, nil)
		return SignInResult{}, ErrInvalidCredential
	}

	ok, err := e.passwords.Verify(passwordPlain, account.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricSignInFailure)
		e.emitAudit(ctx, auditEventSignIn, false, account.AccountID, ErrInvalidCredential, nil)
		return SignInResult{}, ErrInvalidCredential
	}

	e.maybeUpgradeHash(ctx, account, passwordPlain)

	if err := e.limiter.ResetOnSuccess(ctx, limitKey); err != nil {
		e.warnf("resetting signin window for %s: %v", account.AccountID, err)
	}

	rec, err := e.store.Get(ctx, account.AccountID)
	if err != nil {
		return SignInResult{}, err
	}

	if rec.MfaEnabled {
		challenge, err := e.issueChallenge(ctx, account, MfaMethod(rec.MfaMethod))
		if err != nil {
			return SignInResult{}, err
		}
		e.metricInc(MetricMfaChallengeIssued)
		e.emitAudit(ctx, auditEventSignInChallenge, true, account.AccountID, nil, nil)
		return SignInResult{AccountID: account.AccountID, Challenge: challenge}, ErrMfaRequired
	}

	pair, err := e.issueSession(ctx, account.AccountID)
	if err != nil {
		return SignInResult{}, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignIn, true, account.AccountID, nil, nil)

	return SignInResult{AccountID: account.AccountID, Pair: pair}, nil
}

// RefreshCredentials rotates a refresh credential for a new pair. The stored
// value is swapped under compare-and-swap: of N concurrent calls presenting
// the same credential, exactly one wins; the rest get a rotation conflict.
func (e *Engine) RefreshCredentials(ctx context.Context, refreshToken string) (*Pair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrMissingCredential
	}

	claims, err := e.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, mapTokenErr(err)
	}

	issued, err := e.tokens.IssuePair(claims.AccountID)
	if err != nil {
		return nil, err
	}

	presented := internal.HashToken(refreshToken)
	next := internal.HashToken(issued.Refresh)

	err = e.store.RotateRefresh(ctx, claims.AccountID, presented, next, issued.RefreshExpiresAt)
	if err != nil {
		mapped := mapRotateErr(err)
		if errors.Is(mapped, ErrRotationConflict) {
			e.metricInc(MetricRefreshConflict)
		}
		e.emitAudit(ctx, auditEventRefresh, false, claims.AccountID, mapped, nil)
		return nil, mapped
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefresh, true, claims.AccountID, nil, nil)

	return pairFromToken(issued), nil
}

// Logout ends the session: the refresh slot is cleared and the logout
// watermark is stamped so credentials issued up to now stop validating.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := e.store.EndSession(ctx, identity.AccountID, time.Now()); err != nil {
		e.emitAudit(ctx, auditEventLogout, false, identity.AccountID, err, nil)
		return err
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, identity.AccountID, nil, nil)
	return nil
}

// EnableBiometric stores a digest of the device-held biometric secret so the
// account can sign in with it later.
func (e *Engine) EnableBiometric(ctx context.Context, accessToken, biometricSecret string) error {
	if err := e.ready(); err != nil {
		return err
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	hash, err := e.passwords.Hash(biometricSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return e.store.SetBiometric(ctx, identity.AccountID, true, hash)
}

// DisableBiometric clears the biometric credential.
func (e *Engine) DisableBiometric(ctx context.Context, accessToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	return e.store.SetBiometric(ctx, identity.AccountID, false, "")
}

// SignInBiometric exchanges the device-held biometric secret for a credential
// pair. The secret already proves device possession, so no second factor is
// demanded on this path.
func (e *Engine) SignInBiometric(ctx context.Context, accountID, biometricSecret string) (SignInResult, error) {
	if err := e.ready(); err != nil {
		return SignInResult{}, err
	}
	if accountID == "" || biometricSecret == "" {
		return SignInResult{}, ErrMissingCredential
	}

	limitKey := admitKey(ctx, "biometric", accountID)
	if err := e.admit(ctx, e.limiter, limitKey); err != nil {
		return SignInResult{}, err
	}

	rec, err := e.store.Get(ctx, accountID)
	if err != nil {
		return SignInResult{}, err
	}
	if !rec.BiometricEnabled || rec.BiometricHash == "" {
		e.emitAudit(ctx, auditEventBiometric, false, accountID, ErrInvalidCredential, nil)
		return SignInResult{}, ErrInvalidCredential
	}

	ok, err := e.passwords.Verify(biometricSecret, rec.BiometricHash)
	if err != nil || !ok {
		e.metricInc(MetricSignInFailure)
		e.emitAudit(ctx, auditEventBiometric, false, accountID, ErrInvalidCredential, nil)
		return SignInResult{}, ErrInvalidCredential
	}

	if _, err := e.accounts.GetByID(ctx, accountID); err != nil {
		return SignInResult{}, ErrInvalidCredential
	}

	if err := e.limiter.ResetOnSuccess(ctx, limitKey); err != nil {
		e.warnf("resetting biometric window for %s: %v", accountID, err)
	}

	pair, err := e.issueSession(ctx, accountID)
	if err != nil {
		return SignInResult{}, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventBiometric, true, accountID, nil, nil)

	return SignInResult{AccountID: accountID, Pair: pair}, nil
}

// SetPreferredLogin records which sign-in method the client should offer
// first. Accepted values: password, biometric, code.
func (e *Engine) SetPreferredLogin(ctx context.Context, accessToken, method string) error {
	if err := e.ready(); err != nil {
		return err
	}

	switch method {
	case "password", "biometric", "code":
	default:
		return fmt.Errorf("%w: unknown login method %q", ErrInvalidCredential, method)
	}

	identity, err := e.VerifyAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	return e.store.SetPreferredLogin(ctx, identity.AccountID, method)
}

// issueSession mints a credential pair and installs the refresh digest,
// displacing any prior session for the account.
func (e *Engine) issueSession(ctx context.Context, accountID string) (*Pair, error) {
	issued, err := e.tokens.IssuePair(accountID)
	if err != nil {
		return nil, err
	}

	hash := internal.HashToken(issued.Refresh)
	if err := e.store.SetRefresh(ctx, accountID, hash, issued.RefreshExpiresAt); err != nil {
		return nil, err
	}

	return pairFromToken(issued), nil
}

func pairFromToken(p token.Pair) *Pair {
	return &Pair{
		Access:           p.Access,
		Refresh:          p.Refresh,
		AccessExpiresIn:  p.AccessExpiresIn,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (e *Engine) lookupByDestination(ctx context.Context, destination string) (AccountRecord, error) {
	if destinationIsEmail(destination) {
		return e.accounts.GetByEmail(ctx, destination)
	}
	return e.accounts.GetByPhone(ctx, destination)
}

// maybeUpgradeHash rehashes the password when the stored digest predates the
// current cost parameters. Failure here never blocks the sign-in.
func (e *Engine) maybeUpgradeHash(ctx context.Context, account AccountRecord, passwordPlain string) {
	needs, err := e.passwords.NeedsUpgrade(account.PasswordHash)
	if err != nil || !needs {
		return
	}
	upgraded, err := e.passwords.Hash(passwordPlain)
	if err != nil {
		return
	}
	if err := e.accounts.UpdatePasswordHash(ctx, account.AccountID, upgraded); err != nil {
		e.warnf("upgrading password hash for %s: %v", account.AccountID, err)
	}
}

func mapRotateErr(err error) error {
	switch {
	case errors.Is(err, errRefreshMissing):
		return ErrInvalidCredential
	case errors.Is(err, errRefreshExpired):
		return ErrExpiredCredential
	case errors.Is(err, errRefreshReplaced):
		return ErrSessionEndedElsewhere
	case errors.Is(err, errRefreshRaced):
		return ErrRotationConflict
	default:
		return err
	}
}
