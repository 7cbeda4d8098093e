package authcore

import (
	"context"
	"errors"
	"testing"
)

func TestSignUpAndSignIn(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if result.Pair == nil || result.Pair.Access == "" || result.Pair.Refresh == "" {
		t.Fatal("expected a credential pair after signup")
	}

	signin, err := env.engine.SignIn(ctx, "alice@example.com", "correct-horse-battery")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signin.Pair == nil || signin.Challenge != nil {
		t.Fatalf("expected direct pair without challenge, got %+v", signin)
	}
	if signin.AccountID != result.AccountID {
		t.Fatalf("expected account %s, got %s", result.AccountID, signin.AccountID)
	}
}

func TestSignUpDuplicateDestination(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	if _, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "different-password-9"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestSignUpRequiresVerifiedDestination(t *testing.T) {
	cfg := testConfig()
	cfg.Signup.RequireVerifiedDestination = true
	env := newTestEngine(t, cfg)
	ctx := context.Background()

	if _, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection without prior verification, got %v", err)
	}

	if err := env.engine.RequestOtp(ctx, PurposeSignup, "alice@example.com"); err != nil {
		t.Fatalf("RequestOtp failed: %v", err)
	}
	if _, err := env.engine.ConfirmOtp(ctx, PurposeSignup, "alice@example.com", "246810"); err != nil {
		t.Fatalf("ConfirmOtp failed: %v", err)
	}

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp after verification failed: %v", err)
	}
	if result.Pair == nil {
		t.Fatal("expected credential pair")
	}
}

func TestSignInWrongPasswordAndUnknownAccountLookAlike(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")

	_, errWrong := env.engine.SignIn(ctx, "alice@example.com", "wrong-password-123")
	_, errUnknown := env.engine.SignIn(ctx, "nobody@example.com", "wrong-password-123")

	if !errors.Is(errWrong, ErrInvalidCredential) || !errors.Is(errUnknown, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for both, got %v and %v", errWrong, errUnknown)
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Fatal("wrong password and unknown account must be indistinguishable")
	}
}

func TestSignInMissingInput(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	if _, err := env.engine.SignIn(ctx, "", "password-123"); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice@example.com", ""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestSignInRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxAttempts = 3
	env := newTestEngine(t, cfg)
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")

	for i := 0; i < 3; i++ {
		if _, err := env.engine.SignIn(ctx, "alice@example.com", "wrong-password-123"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("attempt %d: expected ErrInvalidCredential, got %v", i, err)
		}
	}

	_, err := env.engine.SignIn(ctx, "alice@example.com", "wrong-password-123")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %v", err)
	}
}

func TestSignInSuccessResetsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxAttempts = 3
	env := newTestEngine(t, cfg)
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")

	for i := 0; i < 2; i++ {
		if _, err := env.engine.SignIn(ctx, "alice@example.com", "wrong-password-123"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("attempt %d: expected ErrInvalidCredential, got %v", i, err)
		}
	}
	if _, err := env.engine.SignIn(ctx, "alice@example.com", "correct-horse-battery"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	// The window was cleared, so another burst of failures fits again.
	for i := 0; i < 2; i++ {
		if _, err := env.engine.SignIn(ctx, "alice@example.com", "wrong-password-123"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("post-reset attempt %d: expected ErrInvalidCredential, got %v", i, err)
		}
	}
}

func TestSignInWithMfaReturnsChallenge(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	accountID := env.seedAccount(t, "alice@example.com", "+77010000001", "correct-horse-battery")
	env.enableMfa(t, accountID, MfaSMS)

	result, err := env.engine.SignIn(ctx, "alice@example.com", "correct-horse-battery")
	if !errors.Is(err, ErrMfaRequired) {
		t.Fatalf("expected ErrMfaRequired, got %v", err)
	}
	if result.Pair != nil {
		t.Fatal("expected no credentials before the second factor")
	}
	if result.Challenge == nil || result.Challenge.Token == "" {
		t.Fatal("expected a challenge token")
	}

	foundSMS := false
	for _, m := range result.Challenge.AvailableMethods {
		if m == MfaSMS {
			foundSMS = true
		}
	}
	if !foundSMS {
		t.Fatalf("expected sms in available methods, got %v", result.Challenge.AvailableMethods)
	}
}

func TestVerifyAccessAndStatus(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	identity, err := env.engine.VerifyAccess(ctx, result.Pair.Access)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if identity.AccountID != result.AccountID {
		t.Fatalf("expected %s, got %s", result.AccountID, identity.AccountID)
	}

	status, err := env.engine.AuthStatus(ctx, result.Pair.Access)
	if err != nil {
		t.Fatalf("AuthStatus failed: %v", err)
	}
	if status.MfaEnabled || status.BiometricEnabled {
		t.Fatalf("fresh account should have no extra factors: %+v", status)
	}

	if _, err := env.engine.VerifyAccess(ctx, ""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if _, err := env.engine.VerifyAccess(ctx, result.Pair.Refresh); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch for refresh credential, got %v", err)
	}
}

func TestBiometricSignIn(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if _, err := env.engine.SignInBiometric(ctx, result.AccountID, "device-bound-secret"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection before enrollment, got %v", err)
	}

	if err := env.engine.EnableBiometric(ctx, result.Pair.Access, "device-bound-secret"); err != nil {
		t.Fatalf("EnableBiometric failed: %v", err)
	}

	signin, err := env.engine.SignInBiometric(ctx, result.AccountID, "device-bound-secret")
	if err != nil {
		t.Fatalf("SignInBiometric failed: %v", err)
	}
	if signin.Pair == nil {
		t.Fatal("expected credential pair")
	}

	if _, err := env.engine.SignInBiometric(ctx, result.AccountID, "some-other-secret"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection for wrong secret, got %v", err)
	}

	if err := env.engine.DisableBiometric(ctx, signin.Pair.Access); err != nil {
		t.Fatalf("DisableBiometric failed: %v", err)
	}
	if _, err := env.engine.SignInBiometric(ctx, result.AccountID, "device-bound-secret"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection after disable, got %v", err)
	}
}

func TestSetPreferredLogin(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if err := env.engine.SetPreferredLogin(ctx, result.Pair.Access, "carrier-pigeon"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection for unknown method, got %v", err)
	}
	if err := env.engine.SetPreferredLogin(ctx, result.Pair.Access, "biometric"); err != nil {
		t.Fatalf("SetPreferredLogin failed: %v", err)
	}

	status, err := env.engine.AuthStatus(ctx, result.Pair.Access)
	if err != nil {
		t.Fatalf("AuthStatus failed: %v", err)
	}
	if status.PreferredLogin != "biometric" {
		t.Fatalf("expected biometric preference, got %q", status.PreferredLogin)
	}
}
