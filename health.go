package opensdg

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	// Name is the name of the check.
	Name string `json:"name"`

	// Healthy indicates whether the check passed.
	Healthy bool `json:"healthy"`

	// Message provides additional context about the check result.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// HealthStatus represents the overall health status of the node.
type HealthStatus struct {
	// Healthy indicates whether all checks passed.
	Healthy bool `json:"healthy"`

	// Checks contains the results of individual checks.
	Checks []CheckResult `json:"checks"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy reports whether the node was initialized and not shut down.
// It is a quick check suitable for liveness probes.
func (n *Node) IsHealthy() bool {
	if n.config == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.shutdown
}

// ReadinessChecks performs detailed health checks and returns the results.
//
// Checks performed:
//   - node_running: the node is initialized and not shut down
//   - grid_servers: at least one grid server is configured
//   - trust_store: the trust store, if any, is readable
//   - connections: handle counts per state (informational)
func (n *Node) ReadinessChecks() HealthStatus {
	clk := clock.New()
	if n.config != nil && n.config.Clock != nil {
		clk = n.config.Clock
	}

	status := HealthStatus{
		Healthy:   true,
		Checks:    make([]CheckResult, 0, 4),
		Timestamp: clk.Now(),
	}
	add := func(name string, start time.Time, healthy bool, msg string) {
		status.Checks = append(status.Checks, CheckResult{
			Name:     name,
			Healthy:  healthy,
			Message:  msg,
			Duration: clk.Since(start),
		})
		if !healthy {
			status.Healthy = false
		}
	}

	start := clk.Now()
	running := n.IsHealthy()
	add("node_running", start, running, boolToMessage(running, "node is running", "node is not running"))

	start = clk.Now()
	servers := 0
	if n.config != nil {
		servers = len(n.config.GridServers)
	}
	add("grid_servers", start, servers > 0, fmt.Sprintf("%d grid servers configured", servers))

	start = clk.Now()
	switch {
	case n.config == nil || n.config.TrustStore == nil:
		add("trust_store", start, true, "no trust store configured")
	default:
		add("trust_store", start, true, fmt.Sprintf("%d trusted peers", n.config.TrustStore.Count()))
	}

	// Failed handles are expected and do not affect readiness.
	start = clk.Now()
	msg := "no connections"
	if n.config != nil {
		if summary := n.ConnectionSummary(); len(summary) > 0 {
			msg = fmt.Sprintf("%d connections (%d connected, %d failed)",
				len(n.Connections()), summary[StateConnected.String()], summary[StateError.String()])
		}
	}
	add("connections", start, true, msg)

	return status
}

// boolToMessage returns trueMsg if b is true, otherwise falseMsg.
func boolToMessage(b bool, trueMsg, falseMsg string) string {
	if b {
		return trueMsg
	}
	return falseMsg
}

// HealthHandler returns an http.Handler that serves health check responses.
// The handler responds with:
//   - 200 OK if the node is healthy
//   - 503 Service Unavailable if the node is unhealthy
//
// The response body contains a JSON representation of HealthStatus.
//
// Example usage:
//
//	http.Handle("/health", opensdg.HealthHandler(node))
func HealthHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := node.ReadinessChecks()

		w.Header().Set("Content-Type", "application/json")
		if status.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(status)
	})
}

// LivenessHandler returns an http.Handler that serves liveness check
// responses: 200 OK while the node is alive, 503 Service Unavailable
// otherwise. Unlike HealthHandler, this does not perform detailed checks.
func LivenessHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy := node.IsHealthy()

		w.Header().Set("Content-Type", "application/json")
		if healthy {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"healthy":true}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"healthy":false}`))
		}
	})
}
