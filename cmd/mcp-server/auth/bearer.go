package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openquant/deribit-mcp/internal/oauth"
)

// Identity is the authenticated principal extracted from a bearer token.
type Identity struct {
	ClientID string
	Subject  string
	JTI      string
}

// Validator verifies RS256 access tokens against the process signing key
// and the token ledger. A token that verifies cryptographically but whose
// jti is no longer tracked (expired and evicted) is rejected.
type Validator struct {
	cfg   oauth.Config
	keys  *oauth.KeyManager
	store oauth.Store
}

func NewValidator(cfg oauth.Config, keys *oauth.KeyManager, store oauth.Store) *Validator {
	return &Validator{cfg: cfg, keys: keys, store: store}
}

// Validate parses and verifies a bearer token, returning the identity it
// carries. Safe for concurrent use.
func (v *Validator) Validate(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.keys.PublicKey(), nil
	},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, oauth.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, oauth.ErrUnauthorized
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, oauth.ErrUnauthorized
	}

	// Ledger check: expired grants are lazily evicted here, so a token
	// past its TTL fails even if clock skew lets the JWT check pass.
	record, err := v.store.GetAccessToken(jti)
	if err != nil {
		return nil, oauth.ErrUnauthorized
	}

	return &Identity{ClientID: record.ClientID, Subject: record.Subject, JTI: jti}, nil
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
