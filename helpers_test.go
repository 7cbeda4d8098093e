package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tselikov/authcore/provider"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.PrivateKey = []byte("test-signing-key-0123456789abcdef")
	cfg.Token.AccessTTL = time.Minute
	cfg.Token.RefreshTTL = time.Hour
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Audit.Enabled = false
	return cfg
}

type memAccounts struct {
	mu     sync.RWMutex
	nextID int
	byID   map[string]AccountRecord
}

var errMemAccountNotFound = errors.New("account not found")

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: make(map[string]AccountRecord)}
}

func (m *memAccounts) GetByID(_ context.Context, accountID string) (AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.byID[accountID]; ok {
		return rec, nil
	}
	return AccountRecord{}, errMemAccountNotFound
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.byID {
		if email != "" && rec.Email == email {
			return rec, nil
		}
	}
	return AccountRecord{}, errMemAccountNotFound
}

func (m *memAccounts) GetByPhone(_ context.Context, phone string) (AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.byID {
		if phone != "" && rec.Phone == phone {
			return rec, nil
		}
	}
	return AccountRecord{}, errMemAccountNotFound
}

func (m *memAccounts) Create(_ context.Context, input CreateAccountInput) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := AccountRecord{
		AccountID:     fmt.Sprintf("acct-%d", m.nextID),
		Email:         input.Email,
		Phone:         input.Phone,
		PhoneVerified: input.PhoneVerified,
		PasswordHash:  input.PasswordHash,
	}
	m.byID[rec.AccountID] = rec
	return rec, nil
}

func (m *memAccounts) UpdatePasswordHash(_ context.Context, accountID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[accountID]
	if !ok {
		return errMemAccountNotFound
	}
	rec.PasswordHash = newHash
	m.byID[accountID] = rec
	return nil
}

func (m *memAccounts) setPhoneVerified(accountID string, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.byID[accountID]
	rec.PhoneVerified = verified
	m.byID[accountID] = rec
}

// fakeProvider approves a fixed code per destination and records dispatches.
type fakeProvider struct {
	mu       sync.Mutex
	code     string
	sends    map[string]int
	failSend bool
	failAll  bool
}

func newFakeProvider(code string) *fakeProvider {
	return &fakeProvider{code: code, sends: make(map[string]int)}
}

func (p *fakeProvider) Send(_ context.Context, destination string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend || p.failAll {
		return "", errors.New("gateway down")
	}
	p.sends[destination]++
	return fmt.Sprintf("ref-%s-%d", destination, p.sends[destination]), nil
}

func (p *fakeProvider) Check(_ context.Context, _ string, code string) (provider.CheckResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return provider.CheckResult{}, errors.New("gateway down")
	}
	if code != p.code {
		return provider.CheckResult{Approved: false, Reason: "code mismatch"}, nil
	}
	return provider.CheckResult{Approved: true}, nil
}

func (p *fakeProvider) sentTo(destination string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends[destination]
}

type testEnv struct {
	engine   *Engine
	rdb      *redis.Client
	accounts *memAccounts
	provider *fakeProvider
}

func newTestEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	accounts := newMemAccounts()
	fake := newFakeProvider("246810")

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccounts(accounts).
		WithProvider(MfaSMS, fake).
		WithProvider(MfaEmail, fake).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, rdb: rdb, accounts: accounts, provider: fake}
}

// seedAccount registers an account directly, bypassing the signup flow.
func (env *testEnv) seedAccount(t *testing.T, email, phone, passwordPlain string) string {
	t.Helper()

	hash, err := env.engine.passwords.Hash(passwordPlain)
	if err != nil {
		t.Fatalf("hashing seed password: %v", err)
	}
	rec, err := env.accounts.Create(context.Background(), CreateAccountInput{
		Email:         email,
		Phone:         phone,
		PhoneVerified: phone != "",
		PasswordHash:  hash,
	})
	if err != nil {
		t.Fatalf("creating seed account: %v", err)
	}
	return rec.AccountID
}

func (env *testEnv) enableMfa(t *testing.T, accountID string, method MfaMethod) {
	t.Helper()
	if err := env.engine.store.SetMFA(context.Background(), accountID, true, string(method)); err != nil {
		t.Fatalf("enabling mfa: %v", err)
	}
}
