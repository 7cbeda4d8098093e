package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes access credentials from refresh credentials so one can
// never be presented as the other.
type Kind string

const (
	// KindAccess is the short-lived credential authorizing API calls.
	KindAccess Kind = "access"
	// KindRefresh is the long-lived credential exchanged for a new pair.
	KindRefresh Kind = "refresh"
)

var (
	// ErrExpired is returned for a credential past its expiry. Repeated checks
	// after expiry keep returning it; validity never flips back.
	ErrExpired = errors.New("token expired")
	// ErrMalformed covers parse failures and bad signatures.
	ErrMalformed = errors.New("token malformed or signature invalid")
	// ErrKindMismatch is returned when the kind claim does not match the
	// expectation of the validation site.
	ErrKindMismatch = errors.New("token kind mismatch")
)

// SigningMethod selects the signature algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
)

// Config holds issuance and validation parameters. Manager instances are
// configured once and treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// Claims is the decoded payload of an issued credential.
type Claims struct {
	AccountID string `json:"uid"`
	TokenKind string `json:"knd"`
	jwt.RegisteredClaims
}

// Pair is one access credential plus one refresh credential for the same
// account, issued at the same instant.
type Pair struct {
	Access           string
	Refresh          string
	AccessExpiresIn  int64
	RefreshExpiresAt time.Time
}

// Manager issues and validates signed credentials. It is stateless beyond the
// signing key and safe for unbounded concurrent use.
type Manager struct {
	config Config
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// IssuePair creates an access+refresh credential pair for accountID. Both
// carry the kind claim; the refresh credential gets the longer lifetime.
func (m *Manager) IssuePair(accountID string) (Pair, error) {
	now := time.Now()

	access, err := m.issue(accountID, KindAccess, now, m.config.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := m.issue(accountID, KindRefresh, now, m.config.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresIn:  int64(m.config.AccessTTL.Seconds()),
		RefreshExpiresAt: now.Add(m.config.RefreshTTL),
	}, nil
}

func (m *Manager) issue(accountID string, kind Kind, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		AccountID: accountID,
		TokenKind: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(m.method(), claims)

	signKey, err := m.signKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(signKey)
}

// Verify checks signature, expiry, and the kind claim. Failures are the typed
// errors ErrExpired, ErrMalformed, and ErrKindMismatch.
func (m *Manager) Verify(tokenStr string, expected Kind) (*Claims, error) {
	claims, err := m.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenKind != string(expected) {
		return nil, ErrKindMismatch
	}
	return claims, nil
}

// IsNearExpiry reports whether the credential expires within threshold.
// Malformed or already-expired credentials report false; callers validate
// separately.
func (m *Manager) IsNearExpiry(tokenStr string, threshold time.Duration) bool {
	claims, err := m.parse(tokenStr)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) <= threshold
}

func (m *Manager) parse(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) signKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) verifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
