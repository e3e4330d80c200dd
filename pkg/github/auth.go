package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"
)

// tokenSafetyMargin is subtracted from the server-reported expiry so a
// token is never used in the last moments of its life.
const tokenSafetyMargin = 60 * time.Second

// appJWTLifetime is the validity window claimed on App JWTs; GitHub caps
// it at ten minutes.
const appJWTLifetime = 9 * time.Minute

// TokenSource produces installation access tokens for API calls, caching
// the current token until its safety margin is reached. Single slot,
// last writer wins.
type TokenSource struct {
	appID             int64
	installationLogin string
	key               *rsa.PrivateKey
	now               func() time.Time

	mu             sync.Mutex
	token          string
	expiresAt      time.Time
	installationID int64
}

// NewTokenSource parses the PEM-encoded App private key and returns a
// lazy token source. No network traffic happens until the first Token call.
func NewTokenSource(appID int64, installationLogin string, privateKeyPEM []byte) (*TokenSource, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Newer keys are exported as PKCS#8.
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	}

	return &TokenSource{
		appID:             appID,
		installationLogin: installationLogin,
		key:               key,
		now:               time.Now,
	}, nil
}

// Token returns a valid installation token, refreshing lazily through the
// client when the cached one is inside its safety margin.
func (ts *TokenSource) Token(ctx context.Context, c *Client) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenSafetyMargin)) {
		return ts.token, nil
	}

	jwt, err := ts.appJWT()
	if err != nil {
		return "", err
	}

	if ts.installationID == 0 {
		id, err := c.findInstallation(ctx, jwt, ts.installationLogin)
		if err != nil {
			return "", err
		}
		ts.installationID = id
	}

	tok, err := c.createInstallationToken(ctx, jwt, ts.installationID)
	if err != nil {
		return "", err
	}

	ts.token = tok.Token
	ts.expiresAt = tok.ExpiresAt
	return ts.token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
}

// appJWT builds and signs the RS256 App JWT.
func (ts *TokenSource) appJWT() (string, error) {
	now := ts.now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		// Backdate iat to absorb clock drift between us and GitHub.
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": ts.appID,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to encode JWT header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode JWT claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, ts.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signingInput + "." + enc.EncodeToString(signature), nil
}
