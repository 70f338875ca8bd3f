package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"dialer-platform/internal/config"
)

// Manager signs and verifies session credentials.
//
// Wire format: <base64url(JSON payload)>.<hex HMAC-SHA256 signature>
// The signature is computed over the base64url-encoded payload string.
//
// Verification is constant-time and reports a single opaque error; callers
// must not learn which part of the credential failed.
type Manager struct {
	secret   []byte
	tokenTTL time.Duration
}

// ErrInvalidToken is the only verification failure surfaced to callers.
var ErrInvalidToken = errors.New("invalid token")

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("AUTH_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{secret: []byte(cfg.Secret), tokenTTL: ttl}, nil
}

// Claims is the only supported credential payload shape for this service.
type Claims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Issue signs a credential for the given identity.
func (m *Manager) Issue(now time.Time, userID, role string) (string, error) {
	if userID == "" || role == "" {
		return "", errors.New("user_id and role are required")
	}
	payload, err := json.Marshal(Claims{
		UserID:   userID,
		Role:     role,
		IssuedAt: now.Unix(),
		Expires:  now.Add(m.tokenTTL).Unix(),
	})
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + hex.EncodeToString(m.sign(encoded)), nil
}

// Verify checks the signature and expiry and returns the embedded claims.
func (m *Manager) Verify(token string, now time.Time) (Claims, error) {
	encoded, sigHex, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sigHex == "" {
		return Claims{}, ErrInvalidToken
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal(sig, m.sign(encoded)) {
		return Claims{}, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Role == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Expires > 0 && now.Unix() > claims.Expires {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) sign(encodedPayload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(encodedPayload))
	return mac.Sum(nil)
}
