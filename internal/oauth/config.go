package oauth

import (
	"os"
	"strings"
	"time"
)

// Approval modes for the authorization endpoint. The default auto-approves
// every validated request; "external_check" rejects unless an
// ApprovalPolicy hook is installed on the server.
const (
	ApprovalAlways   = "always_approve"
	ApprovalExternal = "external_check"
)

// Config holds authorization server settings.
type Config struct {
	Issuer             string
	Audience           string
	AccessTokenTTL     time.Duration
	AuthCodeTTL        time.Duration
	DefaultRedirectURI string
	ApprovalMode       string
}

// LoadConfigFromEnv loads OAuth settings from environment variables,
// falling back to defaults suitable for a single-process deployment.
func LoadConfigFromEnv() Config {
	issuer := strings.TrimRight(strings.TrimSpace(os.Getenv("OAUTH_ISSUER")), "/")
	if issuer == "" {
		issuer = "http://localhost:8000"
	}

	audience := strings.TrimSpace(os.Getenv("OAUTH_AUDIENCE"))
	if audience == "" {
		audience = "deribit-mcp"
	}

	defaultRedirect := strings.TrimSpace(os.Getenv("OAUTH_DEFAULT_REDIRECT_URI"))
	if defaultRedirect == "" {
		defaultRedirect = "http://localhost/callback"
	}

	approval := strings.ToLower(strings.TrimSpace(os.Getenv("OAUTH_APPROVAL_MODE")))
	if approval == "" {
		approval = ApprovalAlways
	}

	return Config{
		Issuer:             issuer,
		Audience:           audience,
		AccessTokenTTL:     parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		AuthCodeTTL:        parseDurationEnv("OAUTH_AUTH_CODE_TTL", 10*time.Minute),
		DefaultRedirectURI: defaultRedirect,
		ApprovalMode:       approval,
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
