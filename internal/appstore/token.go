package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"entitlement-api/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "appstoreconnect-v1"

// tokenValidity: Apple allows up to 20 minutes, we keep tokens short-lived
const tokenValidity = 5 * time.Minute

// TokenIssuer builds short-lived signed assertions for authenticating
// calls to the App Store Server API. Tokens are not cached; re-signing
// is cheap and deterministic modulo timestamps.
type TokenIssuer struct {
	keyID    string
	issuerID string
	bundleID string
	key      *ecdsa.PrivateKey
	now      func() time.Time
}

// NewTokenIssuer parses the configured private key and validates that
// all signing credentials are present.
func NewTokenIssuer(cfg config.AppleConfig) (*TokenIssuer, error) {
	switch {
	case cfg.PrivateKey == "":
		return nil, &ConfigurationError{Missing: "APPLE_PRIVATE_KEY"}
	case cfg.KeyID == "":
		return nil, &ConfigurationError{Missing: "APPLE_KEY_ID"}
	case cfg.IssuerID == "":
		return nil, &ConfigurationError{Missing: "APPLE_ISSUER_ID"}
	}

	key, err := parsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Apple private key: %w", err)
	}

	return &TokenIssuer{
		keyID:    cfg.KeyID,
		issuerID: cfg.IssuerID,
		bundleID: cfg.BundleID,
		key:      key,
		now:      time.Now,
	}, nil
}

// IssueToken signs a fresh ES256 assertion valid for five minutes
func (i *TokenIssuer) IssueToken() (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"iss": i.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenValidity).Unix(),
		"aud": tokenAudience,
	}
	if i.bundleID != "" {
		claims["bid"] = i.bundleID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// App Store Connect keys are PKCS#8, but accept SEC1 too
		if ecKey, secErr := x509.ParseECPrivateKey(block.Bytes); secErr == nil {
			return ecKey, nil
		}
		return nil, err
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}
	return ecKey, nil
}
