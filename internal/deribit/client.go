package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/openquant/deribit-mcp/internal/config"
)

// Deribit JSON-RPC error codes this client treats specially.
const (
	codeTooManyRequests   = 10028
	codeUnauthorized      = 13004
	codeInvalidCredential = 13009
)

// Error is a Deribit API error from a JSON-RPC error object or a
// transport failure (Code -1).
type Error struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("deribit error %d: %s", e.Code, e.Message)
}

// IsRateLimited reports whether the error is a 10028 rate-limit rejection.
func (e *Error) IsRateLimited() bool { return e.Code == codeTooManyRequests }

// IsAuthError reports whether the error is an authentication failure.
func (e *Error) IsAuthError() bool {
	return e.Code == codeUnauthorized || e.Code == codeInvalidCredential
}

// ErrTimeout marks upstream request timeouts after retries.
var ErrTimeout = errors.New("deribit request timeout")

// Methods cached in the slow tier (metadata that changes rarely).
var slowCacheMethods = map[string]bool{
	"public/get_instruments": true,
	"public/get_currencies":  true,
	"public/get_index":       true,
}

// Methods never cached: auth and anything that mutates account state.
var noCacheMethods = map[string]bool{
	"public/auth":        true,
	"private/buy":        true,
	"private/sell":       true,
	"private/cancel":     true,
	"private/cancel_all": true,
}

type authToken struct {
	accessToken string
	expiresAt   time.Time
}

// expired applies a 30-second buffer so a token is never used at the
// edge of its lifetime.
func (t *authToken) expired(now time.Time) bool {
	return t == nil || now.After(t.expiresAt.Add(-30*time.Second))
}

// Client is the JSON-RPC 2.0 client for the Deribit HTTP API. It rate
// limits with a token bucket, caches results in two TTL tiers, retries
// transient failures with jittered backoff, and manages its own
// client_credentials session for private methods.
type Client struct {
	cfg        config.Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *responseCache
	logger     *slog.Logger

	authMu sync.Mutex
	token  *authToken

	requestID atomic.Int64
}

// NewClient creates a Deribit client from process configuration.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		baseURL:    cfg.BaseURL(),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		// Burst of 2x sustained rate, mirroring upstream allowances.
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRPS), int(math.Ceil(cfg.MaxRPS*2))),
		cache:   newResponseCache(cfg.CacheTTLFast, cfg.CacheTTLSlow),
		logger:  logger,
	}
}

// Public calls a public/* method.
func (c *Client) Public(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	return c.Call(ctx, "public/"+trimNamespace(method), params, false)
}

// Private calls a private/* method with automatic authentication.
func (c *Client) Private(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	return c.Call(ctx, "private/"+trimNamespace(method), params, true)
}

// Call invokes a JSON-RPC method with caching and retry. The result is
// the raw JSON of the response's result field.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, useAuth bool) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}

	cacheable := !noCacheMethods[method]
	key := ""
	if cacheable {
		key = cacheKey(method, params)
		if cached, ok := c.cache.get(key); ok {
			c.logger.Debug("cache hit", "method", method)
			return cached, nil
		}
	}

	var accessToken string
	if useAuth {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = token
	}

	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := c.doRequest(ctx, method, params, accessToken)
		if err == nil {
			if cacheable {
				tier := tierFast
				if slowCacheMethods[method] {
					tier = tierSlow
				}
				c.cache.set(key, tier, result)
			}
			return result, nil
		}
		lastErr = err

		var derr *Error
		switch {
		case errors.As(err, &derr) && derr.IsRateLimited():
			if attempt < maxRetries {
				c.sleep(ctx, backoff(2, attempt, 0.5, 1.5))
				continue
			}
		case errors.As(err, &derr) && derr.IsAuthError():
			// Session may have been revoked upstream; refresh once.
			if attempt == 0 && useAuth {
				c.invalidateToken()
				token, authErr := c.accessToken(ctx)
				if authErr != nil {
					return nil, authErr
				}
				accessToken = token
				continue
			}
		case errors.Is(err, ErrTimeout):
			if attempt < maxRetries {
				c.sleep(ctx, backoff(1.5, attempt, 0.1, 0.5))
				continue
			}
		case errors.As(err, &derr):
			// 1xxxx codes are request errors; retrying cannot help.
			if derr.Code >= 10000 && derr.Code < 20000 {
				return nil, err
			}
			if attempt < maxRetries {
				c.sleep(ctx, backoff(1.5, attempt, 0.1, 0.5))
				continue
			}
		}
		return nil, err
	}
	return nil, lastErr
}

// CacheStats reports response cache occupancy.
func (c *Client) CacheStats() CacheStats { return c.cache.stats() }

// ClearCache drops all cached responses.
func (c *Client) ClearCache() { c.cache.clear() }

func (c *Client) doRequest(ctx context.Context, method string, params map[string]interface{}, accessToken string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "deribit-mcp/1.0")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	c.logger.Debug("deribit request", "method", method)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.cfg.HTTPTimeout)
		}
		return nil, &Error{Code: -1, Message: "request failed", Data: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Code: -1, Message: "failed to read response", Data: err.Error()}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &Error{Code: resp.StatusCode, Message: "HTTP error", Data: truncate(string(body), 500)}
		}
		return nil, &Error{Code: -1, Message: "invalid JSON-RPC response", Data: err.Error()}
	}
	if rpcResp.Error != nil {
		return nil, &Error{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}
	return rpcResp.Result, nil
}

// accessToken returns a valid session token, authenticating with the
// client_credentials grant when the cached one is missing or near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if !c.token.expired(time.Now()) {
		return c.token.accessToken, nil
	}

	if !c.cfg.HasCredentials() {
		return "", &Error{
			Code:    codeInvalidCredential,
			Message: "no credentials configured, set DERIBIT_CLIENT_ID and DERIBIT_CLIENT_SECRET",
		}
	}

	c.logger.Info("authenticating with deribit", "client_id", config.Mask(c.cfg.ClientID))
	result, err := c.doRequest(ctx, "public/auth", map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}, "")
	if err != nil {
		return "", err
	}

	var auth struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(result, &auth); err != nil || auth.AccessToken == "" {
		return "", &Error{Code: codeInvalidCredential, Message: "authentication response missing access_token"}
	}
	if auth.ExpiresIn <= 0 {
		auth.ExpiresIn = 900
	}

	c.token = &authToken{
		accessToken: auth.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second),
	}
	c.logger.Info("deribit authentication succeeded", "expires_in", auth.ExpiresIn)
	return c.token.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.token = nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// backoff computes base^attempt plus uniform jitter in [jitterLo, jitterHi]
// seconds.
func backoff(base float64, attempt int, jitterLo, jitterHi float64) time.Duration {
	secs := math.Pow(base, float64(attempt)) + jitterLo + rand.Float64()*(jitterHi-jitterLo)
	return time.Duration(secs * float64(time.Second))
}

func trimNamespace(method string) string {
	for _, prefix := range []string{"public/", "private/"} {
		if len(method) > len(prefix) && method[:len(prefix)] == prefix {
			return method[len(prefix):]
		}
	}
	return method
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
