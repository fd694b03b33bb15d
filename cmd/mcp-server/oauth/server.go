package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/openquant/deribit-mcp/internal/oauth"
)

// ApprovalPolicy decides whether a validated authorization request may
// proceed to code issuance. The returned error aborts the flow before any
// redirect is issued.
type ApprovalPolicy func(r *http.Request, client *oauth.Client) error

// Server provides the OAuth 2.1 endpoints: dynamic registration,
// authorization-code + PKCE grant, refresh grant, discovery, and JWKS.
type Server struct {
	cfg     oauth.Config
	keys    *oauth.KeyManager
	store   oauth.Store
	approve ApprovalPolicy
	logger  *slog.Logger
}

// NewServer creates a new OAuth server. A nil policy auto-approves every
// request when the config's approval mode allows it.
func NewServer(cfg oauth.Config, keys *oauth.KeyManager, store oauth.Store, policy ApprovalPolicy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		if cfg.ApprovalMode == oauth.ApprovalExternal {
			policy = func(*http.Request, *oauth.Client) error {
				return fmt.Errorf("approval mode is external_check but no policy is installed")
			}
		} else {
			policy = func(*http.Request, *oauth.Client) error { return nil }
		}
	}
	return &Server{cfg: cfg, keys: keys, store: store, approve: policy, logger: logger}
}

// Routes registers the OAuth endpoints on the given mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleWellKnown)
	mux.HandleFunc("/oauth/register", s.HandleRegister)
	mux.HandleFunc("/oauth/authorize", s.HandleAuthorize)
	mux.HandleFunc("/oauth/token", s.HandleToken)
	mux.HandleFunc("/oauth/jwks", s.HandleJWKS)
}

// HandleWellKnown serves OAuth discovery metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"jwks_uri":                              issuer + "/oauth/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	})
}

// HandleJWKS serves the RSA public key used to verify access tokens.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pub := s.keys.PublicKey()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": s.keys.KID(),
				"alg": "RS256",
				"n":   base64URLUint(pub.N),
				"e":   base64URLUint(big.NewInt(int64(pub.E))),
			},
		},
	})
}

// HandleRegister registers dynamic clients. Registration is a self-service,
// low-trust surface: it requires no authentication and always succeeds for
// well-formed input.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("invalid JSON body"))
		return
	}

	if len(req.RedirectURIs) == 0 {
		req.RedirectURIs = []string{s.cfg.DefaultRedirectURI}
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription(err.Error()))
			return
		}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "client_secret_post"
	}

	clientID, err := randomID("client")
	if err != nil {
		http.Error(w, "Failed to generate client_id", http.StatusInternalServerError)
		return
	}

	var clientSecret, clientSecretHash string
	if req.TokenEndpointAuthMethod != "none" {
		clientSecret, err = oauth.RandomString(48)
		if err != nil {
			http.Error(w, "Failed to generate client_secret", http.StatusInternalServerError)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			http.Error(w, "Failed to hash client_secret", http.StatusInternalServerError)
			return
		}
		clientSecretHash = string(hash)
	}

	client := &oauth.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		ClientName:              req.ClientName,
		CreatedAt:               time.Now(),
	}
	if err := s.store.SaveClient(client); err != nil {
		http.Error(w, "Failed to store client", http.StatusInternalServerError)
		return
	}

	s.logger.Info("registered client", "client_id", clientID, "client_name", req.ClientName)

	resp := map[string]interface{}{
		"client_id":                  clientID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"client_secret_expires_at":   0,
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
		"client_name":                req.ClientName,
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleAuthorize processes authorization requests. The client must
// resolve before any redirect is issued; redirecting to an unvalidated
// URI is an open-redirect risk.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	clientID := query.Get("client_id")
	if clientID == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("client_id required"))
		return
	}
	client, err := s.store.GetClient(clientID)
	if err != nil {
		writeOAuthError(w, oauth.ErrInvalidClient.WithDescription("unknown client_id"))
		return
	}

	if rt := query.Get("response_type"); rt != "code" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("unsupported response_type"))
		return
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("redirect_uri required"))
		return
	}
	if !redirectAllowed(redirectURI, client.RedirectURIs) {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("redirect_uri not allowed"))
		return
	}

	challenge := query.Get("code_challenge")
	method := query.Get("code_challenge_method")
	switch {
	case challenge == "":
		method = oauth.MethodNone
	case method == "" || strings.EqualFold(method, oauth.MethodPlain):
		method = oauth.MethodPlain
	case strings.EqualFold(method, oauth.MethodS256):
		method = oauth.MethodS256
	default:
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("unsupported code_challenge_method"))
		return
	}

	if err := s.approve(r, client); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription(err.Error()))
		return
	}

	code, err := oauth.RandomString(32)
	if err != nil {
		http.Error(w, "Failed to generate code", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	record := &oauth.AuthCode{
		CodeHash:            oauth.HashToken(code),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
	}
	if err := s.store.SaveAuthCode(record); err != nil {
		http.Error(w, "Failed to store code", http.StatusInternalServerError)
		return
	}

	s.logger.Info("issued authorization code", "client_id", client.ClientID, "pkce", method)
	http.Redirect(w, r, buildRedirect(redirectURI, code, query.Get("state")), http.StatusFound)
}

// HandleToken exchanges authorization codes and refresh tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("invalid form body"))
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("unsupported grant_type"))
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")
	if code == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("code required"))
		return
	}

	client, oerr := s.authenticateClient(r)
	if oerr != nil {
		s.logger.Warn("token exchange rejected", "reason", oerr.Error())
		writeOAuthError(w, oerr)
		return
	}

	// Atomic consume: under concurrent exchange attempts exactly one
	// request obtains the record, the rest see invalid_grant.
	authCode, err := s.store.ConsumeAuthCode(oauth.HashToken(code))
	if err != nil {
		writeOAuthError(w, oauth.ErrInvalidGrant.WithDescription("unknown or already consumed code"))
		return
	}
	if authCode.ClientID != client.ClientID {
		writeOAuthError(w, oauth.ErrInvalidGrant.WithDescription("code was issued to another client"))
		return
	}
	if time.Now().After(authCode.ExpiresAt) {
		writeOAuthError(w, oauth.ErrExpiredToken)
		return
	}
	if uri := r.FormValue("redirect_uri"); uri != "" && uri != authCode.RedirectURI {
		writeOAuthError(w, oauth.ErrInvalidGrant.WithDescription("redirect_uri mismatch"))
		return
	}
	if oerr := verifyPKCE(authCode, r.FormValue("code_verifier")); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	accessToken, expiresIn, err := s.issueAccessToken(client.ClientID)
	if err != nil {
		s.logger.Error("token issuance failed", "error", err)
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	refreshToken, err := oauth.RandomString(48)
	if err != nil {
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveRefreshToken(&oauth.RefreshToken{
		TokenHash: oauth.HashToken(refreshToken),
		ClientID:  client.ClientID,
		IssuedAt:  time.Now(),
	}); err != nil {
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	s.logger.Info("exchanged authorization code", "client_id", client.ClientID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(expiresIn.Seconds()),
		"refresh_token": refreshToken,
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("refresh_token required"))
		return
	}

	client, oerr := s.authenticateClient(r)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	stored, err := s.store.GetRefreshToken(oauth.HashToken(refreshToken))
	if err != nil {
		writeOAuthError(w, oauth.ErrInvalidGrant.WithDescription("unknown refresh_token"))
		return
	}
	if stored.ClientID != client.ClientID {
		writeOAuthError(w, oauth.ErrInvalidGrant.WithDescription("refresh_token was issued to another client"))
		return
	}

	// Refresh tokens are static in this design: a new access token is
	// minted and the refresh token stays valid as-is.
	accessToken, expiresIn, err := s.issueAccessToken(client.ClientID)
	if err != nil {
		s.logger.Error("token issuance failed", "error", err)
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(expiresIn.Seconds()),
	})
}

func (s *Server) issueAccessToken(clientID string) (string, time.Duration, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := jwt.MapClaims{
		"iss":       s.cfg.Issuer,
		"sub":       clientID,
		"aud":       s.cfg.Audience,
		"iat":       now.Unix(),
		"exp":       now.Add(s.cfg.AccessTokenTTL).Unix(),
		"jti":       jti,
		"client_id": clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keys.KID()
	signed, err := token.SignedString(s.keys.PrivateKey())
	if err != nil {
		return "", 0, err
	}

	if err := s.store.SaveAccessToken(&oauth.AccessToken{
		JTI:       jti,
		ClientID:  clientID,
		Subject:   clientID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}); err != nil {
		return "", 0, err
	}

	return signed, s.cfg.AccessTokenTTL, nil
}

func (s *Server) authenticateClient(r *http.Request) (*oauth.Client, *oauth.Error) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return nil, oauth.ErrInvalidClient.WithDescription("client_id required")
	}

	client, err := s.store.GetClient(clientID)
	if err != nil {
		return nil, oauth.ErrInvalidClient.WithDescription("unknown client_id")
	}

	if client.Public() {
		return client, nil
	}

	secret := r.FormValue("client_secret")
	if secret == "" {
		return nil, oauth.ErrInvalidClient.WithDescription("client_secret required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, oauth.ErrInvalidClient.WithDescription("invalid client_secret")
	}
	return client, nil
}

func verifyPKCE(code *oauth.AuthCode, verifier string) *oauth.Error {
	// Codes issued without a challenge accept verifier-less exchanges;
	// the check is per-code, not a server-wide toggle.
	if code.CodeChallengeMethod == oauth.MethodNone || code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return oauth.ErrInvalidRequest.WithDescription("code_verifier required")
	}

	var challenge string
	switch code.CodeChallengeMethod {
	case oauth.MethodS256:
		challenge = oauth.S256Challenge(verifier)
	case oauth.MethodPlain:
		challenge = verifier
	default:
		return oauth.ErrInvalidRequest.WithDescription("unsupported code_challenge_method")
	}

	if !oauth.SecureCompare(challenge, code.CodeChallenge) {
		return oauth.ErrInvalidGrant.WithDescription("code_verifier does not match challenge")
	}
	return nil
}

func redirectAllowed(redirectURI string, allowed []string) bool {
	for _, uri := range allowed {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := strings.Split(parsed.Host, ":")[0]
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, oerr *oauth.Error) {
	writeJSON(w, oerr.Status, map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

func randomID(prefix string) (string, error) {
	id, err := oauth.RandomString(18)
	if err != nil {
		return "", err
	}
	return prefix + "_" + id, nil
}

func base64URLUint(value *big.Int) string {
	if value == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(value.Bytes())
}
