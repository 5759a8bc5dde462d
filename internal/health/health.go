package health

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/dispatch"
)

// ServiceName is the gRPC health service reported by the relay
const ServiceName = "harbor.relay.Dispatcher"

// StatsReporter is satisfied by *dispatch.Dispatcher
type StatsReporter interface {
	Stats() dispatch.Stats
}

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Workers int    `json:"workers"`
	Idle    int    `json:"idle"`
	Queued  int    `json:"queued"`
}

// HTTPHandler returns an HTTP handler that reports whether the dispatcher accepts events
func HTTPHandler(r StatsReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if r != nil {
			s := r.Stats()
			st.Workers, st.Idle, st.Queued = s.Workers, s.Idle, s.Queued
			if !s.Running {
				st.OK = false
				st.Message = "dispatcher not running"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// NewGRPCServer returns a gRPC health server that starts NOT_SERVING
func NewGRPCServer() *health.Server {
	hs := health.NewServer()
	SetServing(hs, false)
	return hs
}

// SetServing flips both the relay service and the overall server status
func SetServing(hs *health.Server, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}
