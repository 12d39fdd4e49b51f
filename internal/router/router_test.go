package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/internal/session"
	"tenantgate/internal/worker"
)

// TestMain re-execs the test binary as a mock worker, the same pattern
// os/exec's own tests use to avoid an external test fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("TENANTGATE_HELPER_WORKER") == "1" {
		runHelperWorker()
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker() {
	port := 0
	args := os.Args
	for i, a := range args {
		if a == "--port" && i+1 < len(args) {
			port, _ = strconv.Atoi(args[i+1])
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"echo"}]}}`)
		case "initialize":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"tools":{},"prompts":{}}}`)
		case "malformed":
			fmt.Fprint(w, `{"id":1,"result":{"echoed":true}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"echoed":true}}`)
		}
	})

	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
	_ = srv.ListenAndServe()
}

func newTestRouter(t *testing.T) (*Router, *worker.Supervisor, *session.Registry) {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	sup := worker.New(worker.Config{
		BinaryPath:   self,
		BasePort:     20000,
		DefaultPort:  19999,
		PortWindow:   1000,
		MaxInstances: 5,
		IdleTimeout:  time.Hour,
		DataDir:      t.TempDir(),
	})

	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	defer os.Unsetenv("TENANTGATE_HELPER_WORKER")
	require.NoError(t, sup.Initialize())
	t.Cleanup(sup.Shutdown)

	sessions := session.New(10, time.Hour)
	return New(sessions, sup), sup, sessions
}

func TestRouter_RouteToDefaultWorkerWhenUnbound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := r.Route(context.Background(), "unbound-session", req)

	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Nil(t, parsed.Error)
}

func TestRouter_RouteToUserWorkerWhenBound(t *testing.T) {
	r, sup, sessions := newTestRouter(t)

	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	_, err := sup.GetOrCreate("user-1")
	os.Unsetenv("TENANTGATE_HELPER_WORKER")
	require.NoError(t, err)

	sessions.Bind("session-1", "user-1")

	req := []byte(`{"jsonrpc":"2.0","id":7,"method":"echo"}`)
	resp := r.Route(context.Background(), "session-1", req)

	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Nil(t, parsed.Error)
}

func TestRouter_TransportErrorMarksWorkerError(t *testing.T) {
	r, sup, sessions := newTestRouter(t)

	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	_, err := sup.GetOrCreate("user-err")
	os.Unsetenv("TENANTGATE_HELPER_WORKER")
	require.NoError(t, err)

	sessions.Bind("session-err", "user-err")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	resp := r.Route(ctx, "session-err", req)

	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.NotNil(t, parsed.Error)

	_, ok := sup.UserWorker("user-err")
	assert.False(t, ok, "a transport error must mark the worker as errored rather than leaving it routable")
}

func TestRouter_MalformedWorkerResponseReturnsJSONRPCError(t *testing.T) {
	r, sup, sessions := newTestRouter(t)

	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	_, err := sup.GetOrCreate("user-malformed")
	os.Unsetenv("TENANTGATE_HELPER_WORKER")
	require.NoError(t, err)

	sessions.Bind("session-malformed", "user-malformed")

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"malformed"}`)
	resp := r.Route(context.Background(), "session-malformed", req)

	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, internalErrorCode, parsed.Error.Code)
}

func TestParseWorkerResponse_ErrorsAsProtocolError(t *testing.T) {
	_, err := parseWorkerResponse([]byte(`{"id":1,"result":{}}`))
	require.Error(t, err)

	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr), "a malformed JSON-RPC envelope must be reported as a *ProtocolError")
	assert.Equal(t, "missing or empty jsonrpc field", perr.Reason)
}

func TestRouter_NoWorkerReturnsJSONRPCError(t *testing.T) {
	sessions := session.New(10, time.Hour)
	sup := worker.New(worker.Config{BinaryPath: "/nonexistent", BasePort: 1, DefaultPort: 2, PortWindow: 1, MaxInstances: 1})
	r := New(sessions, sup)

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := r.Route(context.Background(), "session-x", req)

	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, internalErrorCode, parsed.Error.Code)
}

func TestRouter_BootstrapToolsFallsBackWithoutWorker(t *testing.T) {
	sessions := session.New(10, time.Hour)
	sup := worker.New(worker.Config{BinaryPath: "/nonexistent", BasePort: 1, DefaultPort: 2, PortWindow: 1, MaxInstances: 1})
	r := New(sessions, sup)

	tools := r.BootstrapTools(context.Background())
	assert.Equal(t, fallbackTools, tools)
}
