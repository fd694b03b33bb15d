package deribit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/deribit-mcp/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rpcRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Auth   string                 `json:"-"`
}

// newStubExchange runs a JSON-RPC stub and returns a client pointed at
// it. The respond callback maps each request to a result or error
// payload.
func newStubExchange(t *testing.T, respond func(req rpcRequest) (interface{}, map[string]interface{})) (*Client, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var body struct {
			ID     json.RawMessage        `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		result, rpcErr := respond(rpcRequest{
			Method: body.Method,
			Params: body.Params,
			Auth:   r.Header.Get("Authorization"),
		})

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": body.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(stub.Close)

	cfg := config.Config{
		Environment:  "test",
		ClientID:     "cid",
		ClientSecret: "secret",
		HTTPTimeout:  5 * time.Second,
		MaxRPS:       100,
		CacheTTLFast: time.Minute,
		CacheTTLSlow: time.Hour,
	}
	client := NewClient(cfg, testLogger())
	// Point the client at the stub instead of the public API.
	client.baseURL = stub.URL
	return client, &calls
}

func TestPublicCallReturnsResult(t *testing.T) {
	client, _ := newStubExchange(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		assert.Equal(t, "public/get_time", req.Method)
		return int64(1700000000000), nil
	})

	result, err := client.Public(context.Background(), "get_time", nil)
	require.NoError(t, err)

	var ts int64
	require.NoError(t, json.Unmarshal(result, &ts))
	assert.EqualValues(t, 1700000000000, ts)
}

func TestPublicCallUsesCache(t *testing.T) {
	client, calls := newStubExchange(t, func(rpcRequest) (interface{}, map[string]interface{}) {
		return "pong", nil
	})

	_, err := client.Public(context.Background(), "ticker", map[string]interface{}{"instrument_name": "BTC-PERPETUAL"})
	require.NoError(t, err)
	_, err = client.Public(context.Background(), "ticker", map[string]interface{}{"instrument_name": "BTC-PERPETUAL"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load(), "second call should be served from cache")

	// Different params miss the cache.
	_, err = client.Public(context.Background(), "ticker", map[string]interface{}{"instrument_name": "ETH-PERPETUAL"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAPIErrorClassification(t *testing.T) {
	rateLimited := &Error{Code: 10028, Message: "too many requests"}
	assert.True(t, rateLimited.IsRateLimited())
	assert.False(t, rateLimited.IsAuthError())

	unauthorized := &Error{Code: 13004, Message: "invalid token"}
	assert.True(t, unauthorized.IsAuthError())

	badCreds := &Error{Code: 13009, Message: "invalid credentials"}
	assert.True(t, badCreds.IsAuthError())

	other := &Error{Code: 11050, Message: "bad request"}
	assert.False(t, other.IsRateLimited())
	assert.False(t, other.IsAuthError())
}

func TestRequestErrorNotRetried(t *testing.T) {
	client, calls := newStubExchange(t, func(rpcRequest) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{"code": 11050, "message": "invalid params"}
	})

	_, err := client.Public(context.Background(), "ticker", map[string]interface{}{"instrument_name": "NOPE"})
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 11050, derr.Code)
	assert.EqualValues(t, 1, calls.Load(), "1xxxx errors must not be retried")
}

func TestPrivateCallAuthenticatesOnce(t *testing.T) {
	var authCalls, privateCalls atomic.Int64
	client, _ := newStubExchange(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		switch req.Method {
		case "public/auth":
			authCalls.Add(1)
			assert.Equal(t, "client_credentials", req.Params["grant_type"])
			return map[string]interface{}{"access_token": "upstream-token", "expires_in": 900}, nil
		default:
			privateCalls.Add(1)
			assert.Equal(t, "Bearer upstream-token", req.Auth)
			return map[string]interface{}{"equity": 1.5}, nil
		}
	})

	_, err := client.Private(context.Background(), "get_account_summary", map[string]interface{}{"currency": "BTC"})
	require.NoError(t, err)
	_, err = client.Private(context.Background(), "get_positions", map[string]interface{}{"currency": "BTC"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, authCalls.Load(), "session token should be reused")
	assert.EqualValues(t, 2, privateCalls.Load())
}

func TestPrivateCallWithoutCredentials(t *testing.T) {
	client, calls := newStubExchange(t, func(rpcRequest) (interface{}, map[string]interface{}) {
		return nil, nil
	})
	client.cfg.ClientID = ""
	client.cfg.ClientSecret = ""

	_, err := client.Private(context.Background(), "get_positions", map[string]interface{}{"currency": "BTC"})
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.IsAuthError())
	assert.EqualValues(t, 0, calls.Load())
}

func TestAuthTokenExpiryBuffer(t *testing.T) {
	now := time.Now()

	fresh := &authToken{accessToken: "t", expiresAt: now.Add(time.Minute)}
	assert.False(t, fresh.expired(now))

	nearExpiry := &authToken{accessToken: "t", expiresAt: now.Add(20 * time.Second)}
	assert.True(t, nearExpiry.expired(now), "tokens within the 30s buffer count as expired")

	var missing *authToken
	assert.True(t, missing.expired(now))
}
