package license

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentra-scan/sentra/internal/secrets"
)

// DefaultTokenTTL is how long a signed License Manager token stays valid.
const DefaultTokenTTL = 120 * time.Second

const tokenSecretPrefix = "lm-token/"

// TokenSource produces short-lived signed tokens for License Manager
// requests. One token per customer is cached in the secret store and
// reused until it expires.
type TokenSource struct {
	secrets secrets.Store
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenSource creates a source signing with the installation key.
func NewTokenSource(store secrets.Store, key []byte, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSource{secrets: store, key: key, ttl: ttl, now: time.Now}
}

type tokenClaims struct {
	Customer  string `json:"customer"`
	ExpiresAt int64  `json:"exp"`
}

// Token returns a valid token for the customer, minting one if the cached
// token is missing or expired.
func (ts *TokenSource) Token(ctx context.Context, customer string) (string, error) {
	name := tokenSecretPrefix + customer
	if cached, err := ts.secrets.Get(ctx, name); err == nil {
		if _, exp, err := ts.verify(cached); err == nil && ts.now().Unix() < exp {
			return cached, nil
		}
	}

	token, err := ts.sign(customer)
	if err != nil {
		return "", err
	}
	if err := ts.secrets.Create(ctx, name, token, ts.ttl); err != nil {
		return "", fmt.Errorf("cache token for %s: %w", customer, err)
	}
	return token, nil
}

func (ts *TokenSource) sign(customer string) (string, error) {
	claims, err := json.Marshal(tokenClaims{
		Customer:  customer,
		ExpiresAt: ts.now().Add(ts.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, ts.key)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

func (ts *TokenSource) verify(token string) (customer string, expiresAt int64, err error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", 0, fmt.Errorf("malformed token")
	}
	mac := hmac.New(sha256.New, ts.key)
	mac.Write([]byte(payload))
	sigBytes, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return "", 0, fmt.Errorf("token signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", 0, fmt.Errorf("decode token payload: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", 0, fmt.Errorf("decode token claims: %w", err)
	}
	return claims.Customer, claims.ExpiresAt, nil
}
