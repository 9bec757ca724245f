package session

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// ErrStaleSession is returned by [Manager.Validate] when a token's
// session version is older than the account's current one, i.e. the
// password changed after the token was minted.
var ErrStaleSession = errors.New("session: token session version is stale")

// Config holds the token signing and validation parameters. Configure
// once at startup and treat as immutable.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod

	// PrivateKey is the HMAC secret for hs256, or an ed25519 private
	// key (raw or PEM) for ed25519.
	PrivateKey []byte
	// PublicKey is the ed25519 verify key; unused for hs256.
	PublicKey []byte

	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Claims is the payload of one session token. SessionVersion is the
// account-wide counter checked on every validation.
type Claims struct {
	UserID         string `json:"uid"`
	SessionVersion int64  `json:"sv"`
	jwt.RegisteredClaims
}

// Manager signs and validates session tokens. Safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates the configuration and returns a ready manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("session: leeway out of range")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("session: hs256 requires a key of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("session: unsupported signing method")
	}
	return &Manager{config: cfg}, nil
}

// Create mints a token for the user at its current session version.
func (m *Manager) Create(userID string, sessionVersion int64) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:         userID,
		SessionVersion: sessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(m.method(), claims).SignedString(key)
}

// Validate parses the token and checks its session version against the
// account's current one. A token minted before the last password change
// fails with [ErrStaleSession].
func (m *Manager) Validate(tokenStr string, currentSessionVersion int64) (*Claims, error) {
	claims, err := m.Parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.SessionVersion < currentSessionVersion {
		return nil, ErrStaleSession
	}
	return claims, nil
}

// Parse verifies the signature and registered claims without the
// session-version check. Callers that hold the current version should
// prefer [Manager.Validate].
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("session: unexpected signing algorithm %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodEd25519 {
		return parseEdPrivateKey(m.config.PrivateKey)
	}
	return m.config.PrivateKey, nil
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.config.SigningMethod == MethodEd25519 {
		return parseEdPublicKey(m.config.PublicKey)
	}
	return m.config.PrivateKey, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("session: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("session: invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("session: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("session: invalid ed25519 public key type")
	}
	return edKey, nil
}
