package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(invoker ToolInvoker) (*SessionManager, *atomic.Int64) {
	var handlersBuilt atomic.Int64
	manager := NewSessionManager(func() *Handler {
		handlersBuilt.Add(1)
		return newTestHandler(invoker)
	}, testLogger())
	return manager, &handlersBuilt
}

func TestLazySessionCreation(t *testing.T) {
	manager, built := newTestManager(echoInvoker())

	resp := manager.Dispatch(context.Background(), "session-1", request(t, "1", "tools/list", ""))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, manager.Count())
	assert.EqualValues(t, 1, built.Load())
}

func TestInitializeReplacesHandler(t *testing.T) {
	manager, built := newTestManager(echoInvoker())

	first := manager.Dispatch(context.Background(), "session-1", request(t, "1", "initialize", "{}"))
	require.NotNil(t, first)

	// Re-initializing the same session swaps in a fresh handler but
	// produces a structurally identical result.
	second := manager.Dispatch(context.Background(), "session-1", request(t, "2", "initialize", "{}"))
	require.NotNil(t, second)
	assert.Equal(t, first.Result, second.Result)

	assert.Equal(t, 1, manager.Count())
	assert.EqualValues(t, 2, built.Load())
}

func TestNonInitializeReusesHandler(t *testing.T) {
	manager, built := newTestManager(echoInvoker())

	manager.Dispatch(context.Background(), "session-1", request(t, "1", "initialize", "{}"))
	manager.Dispatch(context.Background(), "session-1", request(t, "2", "tools/list", ""))
	manager.Dispatch(context.Background(), "session-1", request(t, "3", "tools/list", ""))

	assert.EqualValues(t, 1, built.Load())
}

func TestSessionsAreIsolated(t *testing.T) {
	manager, built := newTestManager(echoInvoker())

	manager.Dispatch(context.Background(), "session-a", request(t, "1", "initialize", "{}"))
	manager.Dispatch(context.Background(), "session-b", request(t, "1", "initialize", "{}"))

	assert.Equal(t, 2, manager.Count())
	assert.EqualValues(t, 2, built.Load())
}

func TestCloseReleasesSession(t *testing.T) {
	manager, _ := newTestManager(echoInvoker())

	manager.Dispatch(context.Background(), "session-1", request(t, "1", "initialize", "{}"))
	require.Equal(t, 1, manager.Count())

	assert.True(t, manager.Close("session-1"))
	assert.Equal(t, 0, manager.Count())
	assert.False(t, manager.Close("session-1"))
}

func TestDispatchPushesToAttachedStream(t *testing.T) {
	manager, _ := newTestManager(echoInvoker())

	session := manager.Create()
	events := session.AttachStream(4)

	resp := manager.Dispatch(context.Background(), session.ID, request(t, "1", "tools/list", ""))
	require.NotNil(t, resp)

	select {
	case pushed := <-events:
		assert.Equal(t, resp, pushed)
	default:
		t.Fatal("expected response on the push stream")
	}
}

func TestConcurrentDispatchSameSession(t *testing.T) {
	manager, _ := newTestManager(echoInvoker())

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := manager.Dispatch(context.Background(), "shared", request(t, "1", "tools/list", ""))
			assert.NotNil(t, resp)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, manager.Count())
}
