package worker

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain intercepts re-exec'd invocations of the test binary itself to act
// as a mock worker child process, the same "helper process" pattern the Go
// standard library's os/exec tests use to avoid depending on an external
// binary.
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
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	})

	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
	_ = srv.ListenAndServe()
}

func helperBinaryPath(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return self
}

func newTestSupervisor(t *testing.T, maxInstances int) *Supervisor {
	t.Helper()

	s := New(Config{
		BinaryPath:   helperBinaryPath(t),
		BasePort:     19000,
		DefaultPort:  18999,
		PortWindow:   1000,
		MaxInstances: maxInstances,
		IdleTimeout:  50 * time.Millisecond,
		DataDir:      t.TempDir(),
	})

	t.Cleanup(s.Shutdown)

	require.NoError(t, withHelperEnv(func() error {
		return s.Initialize()
	}))
	return s
}

// withHelperEnv sets TENANTGATE_HELPER_WORKER=1 for the duration of fn so
// spawned children re-exec into the helper worker instead of the test
// binary's normal entrypoint.
func withHelperEnv(fn func() error) error {
	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	defer os.Unsetenv("TENANTGATE_HELPER_WORKER")
	return fn()
}

func TestSupervisor_InitializeSpawnsDefaultWorker(t *testing.T) {
	s := newTestSupervisor(t, 5)

	snap, ok := s.DefaultWorker()
	require.True(t, ok)
	assert.Equal(t, StateRunning, snap.Status)
	assert.Equal(t, 18999, snap.Port)
}

func TestSupervisor_GetOrCreateSpawnsUserWorker(t *testing.T) {
	s := newTestSupervisor(t, 5)

	var snap Snapshot
	require.NoError(t, withHelperEnv(func() error {
		var err error
		snap, err = s.GetOrCreate("user-a")
		return err
	}))

	assert.Equal(t, "user-a", snap.UserID)
	assert.Equal(t, StateRunning, snap.Status)
	assert.GreaterOrEqual(t, snap.Port, 19000)
}

func TestSupervisor_GetOrCreateReturnsSameWorkerForSameUser(t *testing.T) {
	s := newTestSupervisor(t, 5)

	var first, second Snapshot
	require.NoError(t, withHelperEnv(func() error {
		var err error
		first, err = s.GetOrCreate("user-a")
		if err != nil {
			return err
		}
		second, err = s.GetOrCreate("user-a")
		return err
	}))

	assert.Equal(t, first.InstanceID, second.InstanceID)
}

func TestSupervisor_MaxInstancesFallback(t *testing.T) {
	s := newTestSupervisor(t, 1)

	require.NoError(t, withHelperEnv(func() error {
		_, err := s.GetOrCreate("user-a")
		return err
	}))

	err := withHelperEnv(func() error {
		_, err := s.GetOrCreate("user-b")
		return err
	})
	require.Error(t, err)

	var maxErr *MaxInstancesError
	assert.ErrorAs(t, err, &maxErr)
}

func TestSupervisor_MarkErrorRemovesUserWorker(t *testing.T) {
	s := newTestSupervisor(t, 5)

	var snap Snapshot
	require.NoError(t, withHelperEnv(func() error {
		var err error
		snap, err = s.GetOrCreate("user-a")
		return err
	}))

	s.MarkError(snap.InstanceID)

	_, ok := s.UserWorker("user-a")
	assert.False(t, ok)
	_, ok = s.Snapshot(snap.InstanceID)
	assert.False(t, ok)
}

func TestSupervisor_MarkErrorKeepsDefaultWorkerVisible(t *testing.T) {
	s := newTestSupervisor(t, 5)

	def, ok := s.DefaultWorker()
	require.True(t, ok)

	s.MarkError(def.InstanceID)

	def, ok = s.DefaultWorker()
	require.True(t, ok)
	assert.Equal(t, StateError, def.Status)
}

func TestSupervisor_MaxInstancesHoldsUnderConcurrentDistinctUsers(t *testing.T) {
	s := newTestSupervisor(t, 3)

	os.Setenv("TENANTGATE_HELPER_WORKER", "1")
	defer os.Unsetenv("TENANTGATE_HELPER_WORKER")

	const callers = 10
	var wg sync.WaitGroup
	var successes int32
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.GetOrCreate(fmt.Sprintf("user-%d", i))
			if err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(successes), 3)

	s.mu.Lock()
	running := 0
	for _, w := range s.workers {
		if !w.IsDefault() && w.Status == StateRunning {
			running++
		}
	}
	s.mu.Unlock()
	assert.LessOrEqual(t, running, 3)
}

func TestSupervisor_SweepLivenessRemovesUnresponsiveUserWorker(t *testing.T) {
	s := newTestSupervisor(t, 5)

	s.mu.Lock()
	s.workers["dead-instance"] = &Worker{
		InstanceID:   "dead-instance",
		UserID:       "user-dead",
		Port:         1, // nothing listens here; probeHealth must fail
		Status:       StateRunning,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	s.byUser["user-dead"] = "dead-instance"
	s.mu.Unlock()

	s.sweepLiveness()

	_, ok := s.UserWorker("user-dead")
	assert.False(t, ok, "a worker failing its liveness probe must be unbound from its user")
	_, ok = s.Snapshot("dead-instance")
	assert.False(t, ok, "a worker failing its liveness probe must be removed from the worker table, not just marked error")

	s.mu.Lock()
	_, held := s.workers["dead-instance"]
	_, boundByUser := s.byUser["user-dead"]
	port1Held := false
	for _, w := range s.workers {
		if w.Port == 1 {
			port1Held = true
		}
	}
	s.mu.Unlock()
	assert.False(t, held)
	assert.False(t, boundByUser)
	assert.False(t, port1Held, "the errored worker's port must be released back to the allocator")
}

func TestSupervisor_IdleReapStopsUserWorker(t *testing.T) {
	s := newTestSupervisor(t, 5)

	require.NoError(t, withHelperEnv(func() error {
		_, err := s.GetOrCreate("user-a")
		return err
	}))

	time.Sleep(200 * time.Millisecond)
	s.reapIdle()

	time.Sleep(100 * time.Millisecond)
	_, ok := s.UserWorker("user-a")
	assert.False(t, ok)
}
