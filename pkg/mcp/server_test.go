package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	manager, _ := newTestManager(echoInvoker())
	return NewServer(manager, "/mcp", time.Hour, testLogger())
}

func postMessage(srv *Server, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestPostGeneratesSessionID(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get(SessionHeader)
	assert.NotEmpty(t, sessionID)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("1"), resp.ID)
}

func TestPostEchoesSuppliedSessionID(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "my-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-session", rec.Header().Get(SessionHeader))
}

func TestPostNotificationHasNoBody(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "my-session", `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":10}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPostUnknownMethod(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "my-session", `{"jsonrpc":"2.0","id":9,"method":"no/such"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, json.RawMessage("9"), resp.ID)
}

func TestPostInvalidJSON(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(SessionHeader))
}

func TestDeleteClosesSession(t *testing.T) {
	srv := newTestServer()

	rec := postMessage(srv, "doomed", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, "doomed")
	del := httptest.NewRecorder()
	srv.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)

	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, "doomed")
	del = httptest.NewRecorder()
	srv.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNotFound, del.Code)
}

func TestStreamAdvertisesEndpoint(t *testing.T) {
	srv := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.ServeHTTP(rec, req)
		close(done)
	}()

	// The endpoint advertisement is written before the event loop, so
	// any time after the handler starts is late enough to disconnect.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.True(t, rec.Flushed)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(SessionHeader))
	assert.Contains(t, body, "event: endpoint")
	assert.Contains(t, body, "/mcp?session_id=")

	// Transport close released the session.
	assert.Equal(t, 0, srv.manager.Count())
}
