package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const maxEventBytes = 1 << 20

// Server accepts events over HTTP and passes them to a Sink
type Server struct {
	sink   Sink
	logger *logging.Logger
}

// NewServer returns a Server that submits to sink
func NewServer(sink Sink, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{sink: sink, logger: logger}
}

type acceptedResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes registers the ingest endpoints on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", s.handle(event.KindEvent))
	mux.HandleFunc("POST /v1/admin-events", s.handle(event.KindAdmin))
}

func (s *Server) handle(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "ingest."+kind, attribute.String("event.kind", kind))
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "event too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
			return
		}

		env := Envelope{Kind: kind, Event: body}
		if kind == event.KindAdmin {
			if raw := r.URL.Query().Get("update"); raw != "" {
				update, err := strconv.ParseBool(raw)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorResponse{Error: "update must be a boolean"})
					return
				}
				env.Update = update
			}
		}

		id, err := env.Deliver(ctx, s.sink)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			s.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Warn("rejected malformed event")
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		span.SetAttributes(attribute.String("event.id", id))
		writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
