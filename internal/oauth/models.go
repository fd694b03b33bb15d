package oauth

import "time"

// PKCE code challenge methods. MethodNone marks codes issued without a
// challenge; such codes accept verifier-less exchanges.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
	MethodNone  = "none"
)

// Client is a dynamically registered OAuth client. Clients are never
// mutated after registration and live for the process lifetime.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	ClientName              string
	CreatedAt               time.Time
}

// Public reports whether the client authenticates without a secret.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == "none" || c.ClientSecretHash == ""
}

// AuthCode is a single-use authorization code record. The code itself is
// stored hashed; consumption is atomic.
type AuthCode struct {
	CodeHash            string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken tracks an issued RS256 access token by its jti claim so
// validation can evict expired grants.
type AccessToken struct {
	JTI       string
	ClientID  string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is a long-lived, non-rotating token that mints new access
// tokens for its client until the process exits.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	Subject   string
	IssuedAt  time.Time
}
