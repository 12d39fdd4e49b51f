package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// healthResponse mirrors the /health fields, supplemented with goroutine
// count, memory stats, and start time for operational visibility.
type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Version    string `json:"version"`
	Uptime     int64  `json:"uptime"`
	StartedAt  string `json:"startedAt"`
	Goroutines int    `json:"goroutines"`

	Memory memorySnapshot `json:"memory"`

	TotalInstances        int    `json:"totalInstances"`
	UserInstances         int    `json:"userInstances"`
	RunningInstances      int    `json:"runningInstances"`
	DefaultInstanceStatus string `json:"defaultInstanceStatus"`

	TotalSessions         int `json:"totalSessions"`
	AuthenticatedSessions int `json:"authenticatedSessions"`
	RecentSessions        int `json:"recentSessions"`
}

type memorySnapshot struct {
	AllocBytes      uint64 `json:"allocBytes"`
	TotalAllocBytes uint64 `json:"totalAllocBytes"`
	SysBytes        uint64 `json:"sysBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	workerCounts := s.supervisor.Counts()
	sessionCounts := s.sessions.Stats()

	status := "healthy"
	if workerCounts.DefaultInstanceStatus != "running" {
		status = "unhealthy"
	}

	resp := healthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    s.version,
		Uptime:     int64(time.Since(s.startedAt).Seconds()),
		StartedAt:  s.startedAt.UTC().Format(time.RFC3339),
		Goroutines: runtime.NumGoroutine(),
		Memory: memorySnapshot{
			AllocBytes:      mem.Alloc,
			TotalAllocBytes: mem.TotalAlloc,
			SysBytes:        mem.Sys,
		},
		TotalInstances:        workerCounts.Total,
		UserInstances:         workerCounts.User,
		RunningInstances:      workerCounts.Running,
		DefaultInstanceStatus: workerCounts.DefaultInstanceStatus,
		TotalSessions:         sessionCounts.Total,
		AuthenticatedSessions: sessionCounts.Authenticated,
		RecentSessions:        sessionCounts.Recent,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
