package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func issueResetToken(t *testing.T, env *testEnv, destination string) string {
	t.Helper()
	ctx := context.Background()

	if err := env.engine.ForgotPassword(ctx, destination); err != nil {
		t.Fatalf("ForgotPassword failed: %v", err)
	}
	result, err := env.engine.ConfirmOtp(ctx, PurposePasswordReset, destination, "246810")
	if err != nil {
		t.Fatalf("ConfirmOtp failed: %v", err)
	}
	if result.ResetToken == "" {
		t.Fatal("expected a reset token")
	}
	return result.ResetToken
}

func TestForgotPasswordEnumerationSafe(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")

	errRegistered := env.engine.ForgotPassword(ctx, "alice@example.com")
	errUnknown := env.engine.ForgotPassword(ctx, "stranger@example.com")

	if errRegistered != nil || errUnknown != nil {
		t.Fatalf("both calls must succeed identically, got %v and %v", errRegistered, errUnknown)
	}

	// Even a provider outage stays invisible.
	env.provider.failSend = true
	if err := env.engine.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("provider fault must not leak, got %v", err)
	}
}

func TestResetPasswordFullFlow(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")
	resetToken := issueResetToken(t, env, "alice@example.com")

	if err := env.engine.ResetPassword(ctx, "alice@example.com", resetToken, "new-password-42"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := env.engine.SignIn(ctx, "alice@example.com", "correct-horse-battery"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice@example.com", "new-password-42"); err != nil {
		t.Fatalf("SignIn with new password failed: %v", err)
	}
}

func TestResetTokenIsSingleUse(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")
	resetToken := issueResetToken(t, env, "alice@example.com")

	if err := env.engine.ResetPassword(ctx, "alice@example.com", resetToken, "new-password-42"); err != nil {
		t.Fatalf("first ResetPassword failed: %v", err)
	}
	if err := env.engine.ResetPassword(ctx, "alice@example.com", resetToken, "another-password-7"); !errors.Is(err, ErrResetTokenInvalidOrUsed) {
		t.Fatalf("expected ErrResetTokenInvalidOrUsed on replay, got %v", err)
	}
}

func TestResetTokenMismatchVsSpent(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")
	_ = issueResetToken(t, env, "alice@example.com")

	// A wrong token against a live slot is a plain invalid credential.
	if err := env.engine.ResetPassword(ctx, "alice@example.com", "guessed-token", "new-password-42"); !errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrResetTokenInvalidOrUsed) {
		t.Fatalf("expected plain ErrInvalidCredential, got %v", err)
	}
}

func TestResetTokenExpires(t *testing.T) {
	cfg := testConfig()
	cfg.PasswordReset.ResetTTL = time.Second
	env := newTestEngine(t, cfg)
	ctx := context.Background()

	env.seedAccount(t, "alice@example.com", "", "correct-horse-battery")
	resetToken := issueResetToken(t, env, "alice@example.com")

	time.Sleep(2100 * time.Millisecond)

	if err := env.engine.ResetPassword(ctx, "alice@example.com", resetToken, "new-password-42"); !errors.Is(err, ErrResetTokenInvalidOrUsed) {
		t.Fatalf("expected ErrResetTokenInvalidOrUsed for expired token, got %v", err)
	}
}

func TestResetPasswordEndsSessions(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	result, err := env.engine.SignUp(ctx, SignUpInput{Email: "alice@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	resetToken := issueResetToken(t, env, "alice@example.com")

	time.Sleep(1100 * time.Millisecond)

	if err := env.engine.ResetPassword(ctx, "alice@example.com", resetToken, "new-password-42"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := env.engine.VerifyAccess(ctx, result.Pair.Access); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected pre-reset access credential rejected, got %v", err)
	}
	if _, err := env.engine.RefreshCredentials(ctx, result.Pair.Refresh); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected pre-reset refresh credential rejected, got %v", err)
	}
}

func TestResetPasswordUnknownDestination(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()

	if err := env.engine.ResetPassword(ctx, "stranger@example.com", "some-token", "new-password-42"); !errors.Is(err, ErrResetTokenInvalidOrUsed) {
		t.Fatalf("expected ErrResetTokenInvalidOrUsed, got %v", err)
	}
}
