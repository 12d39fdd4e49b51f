package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tenantgate/pkg/logging"
)

const subsystem = "WorkerSupervisor"

const (
	readinessTimeout  = 30 * time.Second
	readinessInterval = 2 * time.Second
	livenessTimeout   = 5 * time.Second
	gracefulTimeout   = 5 * time.Second

	idleReapInterval    = 60 * time.Second
	livenessSweepPeriod = 30 * time.Second
)

// Config parameterizes the Supervisor from the gateway's configuration.
type Config struct {
	BinaryPath   string
	BasePort     int
	DefaultPort  int
	PortWindow   int
	MaxInstances int
	IdleTimeout  time.Duration
	MemoryCapMB  int

	IdPClientID     string
	IdPClientSecret string

	DataDir string
}

// Supervisor owns the worker table, the default-worker slot, and port
// bookkeeping. All mutations happen under mu; HTTP
// probes and process I/O run outside it.
type Supervisor struct {
	cfg   Config
	ports *portAllocator

	mu              sync.Mutex
	workers         map[string]*Worker // instance id -> worker
	byUser          map[string]string  // user id -> instance id (excludes default)
	defaultInstance string

	spawnGroup singleflight.Group

	httpClient *http.Client

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Supervisor. Call Initialize before serving traffic.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		ports:      newPortAllocator(cfg.BasePort, cfg.PortWindow),
		workers:    make(map[string]*Worker),
		byUser:     make(map[string]string),
		httpClient: &http.Client{Timeout: livenessTimeout},
		stop:       make(chan struct{}),
	}
}

// Initialize ensures the data directory exists, spawns the default worker,
// and starts the periodic idle-reap and liveness-sweep tasks.
func (s *Supervisor) Initialize() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	tokenDir := filepath.Join(s.cfg.DataDir, "default")
	if err := os.MkdirAll(tokenDir, 0o755); err != nil {
		return fmt.Errorf("creating default token directory: %w", err)
	}

	w, err := s.spawnAndAwaitReady(DefaultUserID, s.cfg.DefaultPort, tokenDir)
	if err != nil {
		return fmt.Errorf("spawning default worker: %w", err)
	}

	s.mu.Lock()
	s.workers[w.InstanceID] = w
	s.defaultInstance = w.InstanceID
	s.mu.Unlock()

	s.wg.Add(2)
	go s.idleReapLoop()
	go s.livenessSweepLoop()

	logging.Info(subsystem, "default worker ready on port %d", w.Port)
	return nil
}

// GetOrCreate returns the running worker bound to userID, spawning one if
// none exists. Concurrent calls for the same user collapse into a single
// spawn via singleflight; the max_instances check and slot reservation
// happen under mu inside the singleflight function itself, so concurrent
// calls for *different* users are serialized against the same counter
// rather than racing a released-lock check-then-act window.
func (s *Supervisor) GetOrCreate(userID string) (Snapshot, error) {
	s.mu.Lock()
	if instanceID, ok := s.byUser[userID]; ok {
		if w, ok := s.workers[instanceID]; ok && w.Status == StateRunning {
			w.LastActivity = time.Now()
			snap := w.snapshot()
			s.mu.Unlock()
			return snap, nil
		}
	}
	s.mu.Unlock()

	result, err, _ := s.spawnGroup.Do(userID, func() (any, error) {
		// Re-check after winning the singleflight race; another caller may
		// have completed the spawn while we were waiting.
		s.mu.Lock()
		if instanceID, ok := s.byUser[userID]; ok {
			if w, ok := s.workers[instanceID]; ok && w.Status == StateRunning {
				w.LastActivity = time.Now()
				snap := w.snapshot()
				s.mu.Unlock()
				return snap, nil
			}
		}
		if s.countNonDefaultActiveLocked() >= s.cfg.MaxInstances {
			s.mu.Unlock()
			return nil, &MaxInstancesError{Max: s.cfg.MaxInstances}
		}
		// Reserve the slot before releasing mu: a concurrent GetOrCreate for
		// a different user must see this reservation in its own count check,
		// not just the worker this goroutine eventually registers.
		placeholderID := "pending-" + userID
		s.workers[placeholderID] = &Worker{
			InstanceID:   placeholderID,
			UserID:       userID,
			Status:       StateStarting,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
		}
		s.mu.Unlock()

		return s.createUserWorker(userID, placeholderID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}

func (s *Supervisor) createUserWorker(userID, placeholderID string) (Snapshot, error) {
	s.mu.Lock()
	held := make(map[int]struct{}, len(s.workers))
	for _, w := range s.workers {
		held[w.Port] = struct{}{}
	}
	port, err := s.ports.allocate(held)
	s.mu.Unlock()
	if err != nil {
		s.releasePlaceholder(placeholderID)
		return Snapshot{}, err
	}

	tokenDir := filepath.Join(s.cfg.DataDir, "user-"+userID)
	if err := os.MkdirAll(tokenDir, 0o755); err != nil {
		s.releasePlaceholder(placeholderID)
		return Snapshot{}, &SpawnError{UserID: userID, Err: err}
	}

	w, err := s.spawnAndAwaitReady(userID, port, tokenDir)
	if err != nil {
		s.releasePlaceholder(placeholderID)
		return Snapshot{}, &SpawnError{UserID: userID, Err: err}
	}

	s.mu.Lock()
	delete(s.workers, placeholderID)
	s.workers[w.InstanceID] = w
	s.byUser[userID] = w.InstanceID
	s.mu.Unlock()

	logging.Info(subsystem, "spawned worker %s for user %s on port %d", w.InstanceID, userID, port)
	return w.snapshot(), nil
}

func (s *Supervisor) releasePlaceholder(placeholderID string) {
	s.mu.Lock()
	delete(s.workers, placeholderID)
	s.mu.Unlock()
}

// spawnAndAwaitReady starts the child process and polls its health endpoint
// up to 30s at 2s intervals; if the child dies mid-wait, readiness fails;
// otherwise it is declared running best-effort once the timeout elapses
// and the process is still alive.
func (s *Supervisor) spawnAndAwaitReady(userID string, port int, tokenDir string) (*Worker, error) {
	w := &Worker{
		InstanceID:   uuid.NewString(),
		UserID:       userID,
		Port:         port,
		Status:       StateStarting,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		TokenDir:     tokenDir,
	}

	cmd := exec.Command(s.cfg.BinaryPath,
		"serve",
		"--port", fmt.Sprintf("%d", port),
		"--idp-client-id", s.cfg.IdPClientID,
		"--idp-client-secret", s.cfg.IdPClientSecret,
		"--token-dir", tokenDir,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if s.cfg.MemoryCapMB > 0 {
		cmd.Env = append(os.Environ(), fmt.Sprintf("TENANTGATE_WORKER_MEMORY_CAP_MB=%d", s.cfg.MemoryCapMB))
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting child process: %w", err)
	}
	w.cmd = cmd
	exited := make(chan struct{})
	w.exited = exited
	go func() {
		_ = cmd.Wait()
		close(exited)
		s.onProcessExit(w.InstanceID)
	}()

	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return nil, fmt.Errorf("child process exited before becoming ready")
		default:
		}

		if s.probeHealth(port) {
			w.Status = StateRunning
			return w, nil
		}
		time.Sleep(readinessInterval)
	}

	select {
	case <-exited:
		return nil, fmt.Errorf("child process exited before becoming ready")
	default:
		// Full timeout elapsed with the child alive: declare it running
		// best-effort.
		w.Status = StateRunning
		return w, nil
	}
}

func (s *Supervisor) probeHealth(port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Supervisor) onProcessExit(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[instanceID]
	if !ok {
		return
	}
	if w.IsDefault() {
		w.Status = StateError
		logging.Error(subsystem, fmt.Errorf("process exited"), "default worker process exited, marking error")
		return
	}

	w.Status = StateStopped
	delete(s.workers, instanceID)
	delete(s.byUser, w.UserID)
}

// Stop transitions a worker to stopping, sends a graceful termination
// signal, and force-kills after gracefulTimeout if it hasn't exited.
func (s *Supervisor) Stop(instanceID string) error {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{InstanceID: instanceID}
	}
	w.Status = StateStopping
	cmd := w.cmd
	exited := w.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || exited == nil {
		// No child process was ever attached (a reservation placeholder
		// caught mid-spawn by shutdown) — nothing to signal, just drop it.
		s.mu.Lock()
		delete(s.workers, instanceID)
		delete(s.byUser, w.UserID)
		s.mu.Unlock()
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)

	// cmd.Wait is owned by the goroutine spawned in spawnAndAwaitReady; we
	// only ever wait on its exited channel, never call Wait ourselves.
	select {
	case <-exited:
	case <-time.After(gracefulTimeout):
		_ = cmd.Process.Kill()
		<-exited
	}

	return nil
}

// MarkError transitions instanceID to StateError. Called by the router on a
// transport failure so a worker that died between liveness sweeps is
// surfaced for lazy recreation on the next request rather than keeping its
// stale "running" status until the next sweep.
func (s *Supervisor) MarkError(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[instanceID]
	if !ok {
		return
	}
	w.Status = StateError
	if !w.IsDefault() {
		delete(s.workers, instanceID)
		delete(s.byUser, w.UserID)
	}
}

// Health issues a bounded-timeout readiness probe against instanceID's
// worker.
func (s *Supervisor) Health(instanceID string) bool {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.probeHealth(w.Port)
}

// Snapshot returns a copy of a worker's current bookkeeping, or false if no
// such instance exists.
func (s *Supervisor) Snapshot(instanceID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

// DefaultWorker returns the always-on default worker's current snapshot.
func (s *Supervisor) DefaultWorker() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[s.defaultInstance]
	if !ok {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

// UserWorker returns the running worker snapshot bound to userID, if any.
func (s *Supervisor) UserWorker(userID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instanceID, ok := s.byUser[userID]
	if !ok {
		return Snapshot{}, false
	}
	w, ok := s.workers[instanceID]
	if !ok {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

// countNonDefaultActiveLocked counts non-default workers that are either
// running or in the process of spawning (a reserved placeholder), so the
// max_instances check accounts for in-flight spawns, not just completed
// ones.
func (s *Supervisor) countNonDefaultActiveLocked() int {
	n := 0
	for _, w := range s.workers {
		if !w.IsDefault() && (w.Status == StateRunning || w.Status == StateStarting) {
			n++
		}
	}
	return n
}

// Counts reports the aggregate figures the health endpoint needs.
type Counts struct {
	Total                 int
	User                  int
	Running               int
	DefaultInstanceStatus string
}

// Counts computes the current instance counters.
func (s *Supervisor) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counts{DefaultInstanceStatus: "absent"}
	for id, w := range s.workers {
		c.Total++
		if !w.IsDefault() {
			c.User++
		}
		if w.Status == StateRunning {
			c.Running++
		}
		if id == s.defaultInstance {
			c.DefaultInstanceStatus = string(w.Status)
		}
	}
	return c
}

func (s *Supervisor) idleReapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapIdle()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) reapIdle() {
	s.mu.Lock()
	var toStop []string
	now := time.Now()
	for id, w := range s.workers {
		if w.IsDefault() || w.Status != StateRunning {
			continue
		}
		if now.Sub(w.LastActivity) > s.cfg.IdleTimeout {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		logging.Info(subsystem, "reaping idle worker %s", id)
		_ = s.Stop(id)
	}
}

func (s *Supervisor) livenessSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(livenessSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepLiveness()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) sweepLiveness() {
	s.mu.Lock()
	var toProbe []*Worker
	for _, w := range s.workers {
		if w.Status == StateRunning {
			toProbe = append(toProbe, w)
		}
	}
	s.mu.Unlock()

	for _, w := range toProbe {
		if !s.probeHealth(w.Port) {
			s.mu.Lock()
			if cur, ok := s.workers[w.InstanceID]; ok && cur.Status == StateRunning {
				cur.Status = StateError
				logging.Warn(subsystem, "liveness probe failed for worker %s, marking error", w.InstanceID)
				if !cur.IsDefault() {
					delete(s.workers, w.InstanceID)
					delete(s.byUser, cur.UserID)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Shutdown stops every worker, the default worker last, and waits for the
// periodic tasks to exit.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	var nonDefault []string
	for id := range s.workers {
		if id != s.defaultInstance {
			nonDefault = append(nonDefault, id)
		}
	}
	s.mu.Unlock()

	for _, id := range nonDefault {
		_ = s.Stop(id)
	}
	if s.defaultInstance != "" {
		_ = s.Stop(s.defaultInstance)
	}

	s.wg.Wait()
}
