package health

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type RecorderStats struct {
	State          recording.State  `json:"state"`
	SessionID      string           `json:"session_id,omitempty"`
	BufferedChunks int              `json:"buffered_chunks"`
	Connection     connection.State `json:"connection"`
	QueuedMessages int              `json:"queued_messages"`
	Reconnects     int              `json:"reconnect_attempts"`
}

type Stats struct {
	Requests RequestStats   `json:"requests"`
	Runtime  RuntimeStats   `json:"runtime"`
	Recorder *RecorderStats `json:"recorder,omitempty"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentStatus

type namedCheck struct {
	name     string
	check    Check
	critical bool
}

// Reporter exposes the recorder's live state.
type Reporter interface {
	Snapshot() recording.Status
}

type Handler struct {
	version   string
	startTime time.Time
	checks    []namedCheck
	reporter  Reporter

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(version string) *Handler {
	return &Handler{
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a readiness check. An unhealthy critical component
// makes the whole service unhealthy.
func (h *Handler) AddCheck(name string, critical bool, check Check) {
	h.checks = append(h.checks, namedCheck{name: name, check: check, critical: critical})
}

func (h *Handler) SetReporter(r Reporter) {
	h.reporter = r
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(len(h.checks))
	for _, nc := range h.checks {
		go func(nc namedCheck) {
			defer wg.Done()
			status := nc.check(ctx)
			mu.Lock()
			components[nc.name] = status
			mu.Unlock()
		}(nc)
	}
	wg.Wait()

	overallStatus := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
			Recorder: h.recorderStats(),
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) recorderStats() *RecorderStats {
	if h.reporter == nil {
		return nil
	}
	snap := h.reporter.Snapshot()
	return &RecorderStats{
		State:          snap.State,
		SessionID:      snap.SessionID,
		BufferedChunks: snap.BufferedChunkCount,
		Connection:     snap.Connection.State,
		QueuedMessages: snap.Connection.QueuedMessages,
		Reconnects:     snap.Connection.ReconnectAttempts,
	}
}

func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	for _, nc := range h.checks {
		if status, ok := components[nc.name]; ok && nc.critical && status.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

func timed(start time.Time, status Status, errMsg string) ComponentStatus {
	return ComponentStatus{
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     errMsg,
	}
}

func DatabaseCheck(db *gorm.DB) Check {
	return func(ctx context.Context) ComponentStatus {
		start := time.Now()
		if db == nil {
			return timed(start, StatusUnhealthy, "database not configured")
		}

		sqlDB, err := db.DB()
		if err != nil {
			return timed(start, StatusUnhealthy, "failed to get underlying db")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return timed(start, StatusUnhealthy, "ping failed")
		}
		return timed(start, evaluateDBStats(sqlDB.Stats()), "")
	}
}

func evaluateDBStats(stats sql.DBStats) Status {
	if stats.OpenConnections >= stats.MaxOpenConnections && stats.MaxOpenConnections > 1 {
		return StatusDegraded
	}
	return StatusHealthy
}

func RedisCheck(client *redis.Client) Check {
	return func(ctx context.Context) ComponentStatus {
		start := time.Now()
		if client == nil {
			return timed(start, StatusUnhealthy, "redis not configured")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return timed(start, StatusUnhealthy, "ping failed")
		}
		return timed(start, StatusHealthy, "")
	}
}

// PingCheck adapts any ping-style function, such as the queue worker's.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentStatus {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return timed(start, StatusUnhealthy, err.Error())
		}
		return timed(start, StatusHealthy, "")
	}
}

// ConnectionCheck reports the server link. Being offline only degrades the
// recorder, since audio keeps buffering locally.
func ConnectionCheck(status func() connection.Status) Check {
	return func(context.Context) ComponentStatus {
		start := time.Now()
		s := status()
		switch {
		case s.Connected:
			return timed(start, StatusHealthy, "")
		case s.State == connection.StateFailed:
			return timed(start, StatusDegraded, "gave up reconnecting")
		default:
			return timed(start, StatusDegraded, string(s.State))
		}
	}
}
