package gateway

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
)

// serverEntry is one row of the /servers inventory.
type serverEntry struct {
	Name         string           `json:"name"`
	Protocol     string           `json:"protocol"`
	DetectedType string           `json:"detectedType"`
	URL          string           `json:"url,omitempty"`
	Restart      bool             `json:"restart"`
	Capabilities any              `json:"capabilities"`
	State        supervisor.State `json:"state"`
	PID          int              `json:"pid,omitempty"`
	Port         int              `json:"port,omitempty"`
	RestartCount int              `json:"restartCount"`
	LastError    string           `json:"lastError,omitempty"`
	Disabled     string           `json:"disabledReason,omitempty"`
}

func (g *Gateway) serveIndex(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        g.cfg.name,
		"version":     g.cfg.version,
		"description": g.cfg.description,
		"instanceId":  g.instanceID,
		"endpoints": []string{
			"/", "/health", "/servers", "/ports", "/metrics", "/stats",
			"/ws/<server>", "/<server>/...",
		},
		"servers": g.router.Names(),
		"features": map[string]bool{
			"cors":       g.cfg.cors,
			"metrics":    g.cfg.metrics,
			"webSockets": g.cfg.webSockets,
		},
	})
}

func (g *Gateway) serveHealth(w http.ResponseWriter) {
	summary := g.supervisor.Summary()
	failed := summary.ByState[supervisor.StateFailed]
	running := summary.ByState[supervisor.StateRunning]

	status := "healthy"
	code := http.StatusOK
	if failed > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(g.startedAt).Seconds(),
		"servers": map[string]int{
			"total":   len(g.descriptors),
			"running": running,
			"failed":  failed,
		},
		"memory": memorySnapshot(),
	})
}

func (g *Gateway) serveServers(w http.ResponseWriter) {
	entries := make([]serverEntry, 0, len(g.descriptors))
	for _, d := range g.descriptors {
		entry := serverEntry{
			Name:         d.Name,
			Protocol:     string(d.Protocol),
			DetectedType: string(d.DetectedType),
			URL:          d.URL,
			Restart:      d.Restart,
			Capabilities: d.Capabilities,
			State:        supervisor.StateIdle,
			Disabled:     g.skipped[d.Name],
		}
		if info, ok := g.supervisor.ProcessInfo(d.Name); ok {
			entry.State = info.State
			entry.PID = info.PID
			entry.RestartCount = info.RestartCount
			entry.LastError = info.LastError
		}
		if port, ok := g.allocator.PortForName(d.Name); ok {
			entry.Port = port
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": entries})
}

func (g *Gateway) servePorts(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"range":       g.allocator.RangeInfo(),
		"allocations": g.allocator.Allocations(),
		"reserved":    g.allocator.ReservedPorts(),
	})
}

func (g *Gateway) serveMetrics(w http.ResponseWriter) {
	body := map[string]any{
		"uptime":    time.Since(g.startedAt).Seconds(),
		"proxy":     g.proxy.Snapshot(),
		"processes": g.supervisor.Summary(),
		"ports":     g.allocator.RangeInfo(),
		"routes":    len(g.router.Names()),
	}
	if g.relay != nil {
		body["webSockets"] = g.relay.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) serveStats(w http.ResponseWriter) {
	body := map[string]any{
		"uptime":     time.Since(g.startedAt).Seconds(),
		"memory":     memorySnapshot(),
		"goroutines": runtime.NumGoroutine(),
	}
	if g.relay != nil {
		body["activeWebSockets"] = g.relay.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func memorySnapshot() map[string]uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]uint64{
		"alloc":      m.Alloc,
		"totalAlloc": m.TotalAlloc,
		"sys":        m.Sys,
		"numGC":      uint64(m.NumGC),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
