package gateway

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jersoncarin/facebook-message-api/internal/listener"
	"github.com/jersoncarin/facebook-message-api/internal/version"
)

// StatusResponse represents the gateway status.
type StatusResponse struct {
	Status      string                `json:"status"`
	Version     string                `json:"version"`
	Uptime      string                `json:"uptime"`
	UserID      string                `json:"userID"`
	Listener    listener.RuntimeState `json:"listener"`
	Subscribers int                   `json:"subscribers"`
	Memory      MemoryStats           `json:"memory"`
	GoVersion   string                `json:"goVersion"`
}

// MemoryStats represents memory usage.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // Bytes allocated and in use
	TotalAlloc uint64 `json:"totalAlloc"` // Total bytes allocated
	Sys        uint64 `json:"sys"`        // Bytes obtained from system
	NumGC      uint32 `json:"numGC"`      // Number of GC cycles
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(c echo.Context) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := s.status.Snapshot()
	status := "stopped"
	if snap.Running {
		status = "running"
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:      status,
		Version:     version.Version,
		Uptime:      s.Uptime().Round(time.Second).String(),
		UserID:      s.userID,
		Listener:    snap,
		Subscribers: s.stream.Len(),
		Memory: MemoryStats{
			Alloc:      memStats.Alloc,
			TotalAlloc: memStats.TotalAlloc,
			Sys:        memStats.Sys,
			NumGC:      memStats.NumGC,
		},
		GoVersion: runtime.Version(),
	})
}
