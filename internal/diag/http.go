// Package diag serves an optional HTTP diagnostics endpoint alongside
// the mounted filesystem: a liveness probe and a small metrics snapshot
// combining the streaming worker's counters with host resource usage.
package diag

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"it9910fs/internal/stream"
)

// Server wraps a gin engine exposing /healthz and /metrics over the
// capture's current stats.
type Server struct {
	engine  *gin.Engine
	started time.Time
	stats   func() *stream.Stats
}

// NewServer builds a diagnostics server. statsFn is called on every
// /metrics request so it can observe whichever worker is currently
// mounted (or none, between opens).
func NewServer(statsFn func() *stream.Stats) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  gin.New(),
		started: time.Now(),
		stats:   statsFn,
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics)
	return s
}

// ListenAndServe blocks serving the diagnostics endpoints on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "idle"
	if s.stats() != nil {
		status = "streaming"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	body := gin.H{
		"uptime_seconds": time.Since(s.started).Seconds(),
	}

	if st := s.stats(); st != nil {
		body["streaming"] = true
		body["packets"] = st.Packets.Load()
		body["bytes"] = st.Bytes.Load()
		body["last_digest_blake2b256"] = st.LastDigestHex()
	} else {
		body["streaming"] = false
		body["packets"] = 0
		body["bytes"] = 0
		body["last_digest_blake2b256"] = ""
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		body["host_cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["host_mem_used_percent"] = vm.UsedPercent
	}

	c.JSON(http.StatusOK, body)
}
