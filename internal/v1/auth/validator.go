// Package auth validates the bearer tokens presented on WebSocket upgrade.
//
// Two modes are supported:
//   - Shared-secret mode (HS256) driven by JWT_SECRET. This is the default
//     and matches the tokens minted by the REST login surface.
//   - JWKS mode (RS256/ES256) driven by AUTH_DOMAIN/AUTH_AUDIENCE, for
//     deployments that delegate identity to an external provider. Keys are
//     fetched from the provider's .well-known endpoint and cached.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CustomClaims represents the JWT claims this service cares about.
// It embeds jwt.RegisteredClaims and adds profile fields.
type CustomClaims struct {
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName derives the name to show other participants: the name claim,
// then the email local part, then the subject.
func (c *CustomClaims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Email != "" {
		if at := strings.IndexByte(c.Email, '@'); at > 0 {
			return c.Email[:at]
		}
	}
	return c.Subject
}

// Validator parses and verifies JWT tokens.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
	methods  []string
}

// NewSecretValidator creates a Validator for HS256 tokens signed with the
// shared secret from JWT_SECRET.
func NewSecretValidator(secret string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes (got %d)", len(secret))
	}
	key := []byte(secret)
	return &Validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		},
		methods: []string{"HS256"},
	}, nil
}

// NewJWKSValidator creates a Validator that verifies tokens against the JWKS
// published by the given domain. The JWKS is cached and refreshed hourly.
// Extra jwk.RegisterOption values may be supplied for testability.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch once up front so startup fails loudly when the provider is
	// unreachable.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
		methods:  []string{"RS256", "ES256"},
	}, nil
}

// ValidateToken parses and verifies a token string and returns its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// MockValidator is a development-only validator that accepts any token. It
// still decodes the payload so the frontend and backend agree on the subject.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					claims.Subject = sub
				}
				if n, ok := raw["name"].(string); ok {
					claims.Name = n
				}
				if e, ok := raw["email"].(string); ok {
					claims.Email = e
				}
			}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-user-123"
	}
	if claims.Name == "" {
		claims.Name = "Dev User"
	}
	return claims, nil
}
