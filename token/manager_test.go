package token

import (
	"errors"
	"testing"
	"time"
)

func testManager(t *testing.T, accessTTL time.Duration) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		AccessTTL:     accessTTL,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("test-signing-key-0123456789abcdef"),
		Issuer:        "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestIssuePairRoundTrip(t *testing.T) {
	m := testManager(t, time.Minute)

	pair, err := m.IssuePair("acct-1")
	if err != nil {
		t.Fatalf("IssuePair failed: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatal("expected both credentials to be issued")
	}
	if pair.AccessExpiresIn != 60 {
		t.Fatalf("expected 60s access lifetime, got %d", pair.AccessExpiresIn)
	}

	claims, err := m.Verify(pair.Access, KindAccess)
	if err != nil {
		t.Fatalf("Verify access failed: %v", err)
	}
	if claims.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %q", claims.AccountID)
	}

	if _, err := m.Verify(pair.Refresh, KindRefresh); err != nil {
		t.Fatalf("Verify refresh failed: %v", err)
	}
}

func TestVerifyKindMismatch(t *testing.T) {
	m := testManager(t, time.Minute)

	pair, err := m.IssuePair("acct-1")
	if err != nil {
		t.Fatalf("IssuePair failed: %v", err)
	}

	if _, err := m.Verify(pair.Access, KindRefresh); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if _, err := m.Verify(pair.Refresh, KindAccess); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestVerifyExpiryIsPermanent(t *testing.T) {
	m := testManager(t, 10*time.Millisecond)

	pair, err := m.IssuePair("acct-1")
	if err != nil {
		t.Fatalf("IssuePair failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := m.Verify(pair.Access, KindAccess); !errors.Is(err, ErrExpired) {
			t.Fatalf("check %d: expected ErrExpired, got %v", i, err)
		}
	}
}

func TestVerifyMalformed(t *testing.T) {
	m := testManager(t, time.Minute)

	if _, err := m.Verify("not-a-token", KindAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	other := testManager(t, time.Minute)
	other.config.PrivateKey = []byte("another-signing-key-xxxxxxxxxxxx")
	pair, err := other.IssuePair("acct-1")
	if err != nil {
		t.Fatalf("IssuePair failed: %v", err)
	}
	if _, err := m.Verify(pair.Access, KindAccess); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for foreign signature, got %v", err)
	}
}

func TestIsNearExpiry(t *testing.T) {
	m := testManager(t, time.Minute)

	pair, err := m.IssuePair("acct-1")
	if err != nil {
		t.Fatalf("IssuePair failed: %v", err)
	}

	if m.IsNearExpiry(pair.Access, time.Second) {
		t.Fatal("fresh credential should not be near expiry for a 1s threshold")
	}
	if !m.IsNearExpiry(pair.Access, 2*time.Minute) {
		t.Fatal("credential should be near expiry for a threshold beyond its TTL")
	}
	if m.IsNearExpiry("garbage", time.Minute) {
		t.Fatal("malformed credential should not report near expiry")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodHS256}); err == nil {
		t.Fatal("expected error for hs256 without a key")
	}
	if _, err := NewManager(Config{AccessTTL: 0, RefreshTTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("k")}); err == nil {
		t.Fatal("expected error for zero access TTL")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: "rs512", PrivateKey: []byte("k")}); err == nil {
		t.Fatal("expected error for unsupported signing method")
	}
}
