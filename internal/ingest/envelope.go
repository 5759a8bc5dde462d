package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrUnknownKind is returned for envelopes that are neither events nor admin events
var ErrUnknownKind = errors.New("unknown event kind")

// Sink receives decoded events. *dispatch.Dispatcher implements it.
type Sink interface {
	OnEvent(ctx context.Context, e event.Event)
	OnAdminEvent(ctx context.Context, e event.AdminEvent, isUpdate bool)
}

// Envelope is the queue message format. TraceHeaders carry the publisher's
// span so the relay's send joins the same trace.
type Envelope struct {
	Kind         string            `json:"kind"`
	Update       bool              `json:"update,omitempty"`
	Event        json.RawMessage   `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEnvelope wraps payload for publishing and captures the trace in ctx
func NewEnvelope(ctx context.Context, kind string, update bool, payload any) (Envelope, error) {
	if kind != event.KindEvent && kind != event.KindAdmin {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Envelope{
		Kind:         kind,
		Update:       update,
		Event:        raw,
		TraceHeaders: tracing.InjectMap(ctx),
	}, nil
}

// Deliver decodes the envelope body and hands it to sink. It returns the
// event id, which is generated when the producer left it empty.
func (e Envelope) Deliver(ctx context.Context, sink Sink) (string, error) {
	switch e.Kind {
	case event.KindEvent:
		var ev event.Event
		if err := json.Unmarshal(e.Event, &ev); err != nil {
			return "", fmt.Errorf("decode event: %w", err)
		}
		stamp(&ev.ID, &ev.Time)
		sink.OnEvent(ctx, ev)
		return ev.ID, nil
	case event.KindAdmin:
		var ev event.AdminEvent
		if err := json.Unmarshal(e.Event, &ev); err != nil {
			return "", fmt.Errorf("decode admin event: %w", err)
		}
		stamp(&ev.ID, &ev.Time)
		sink.OnAdminEvent(ctx, ev, e.Update)
		return ev.ID, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
}

func stamp(id *string, ts *int64) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if *ts == 0 {
		*ts = time.Now().UnixMilli()
	}
}
