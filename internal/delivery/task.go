package delivery

import (
	"time"

	"github.com/austindbirch/harbor_relay/internal/template"
)

// Task is one dispatch attempt for a single event. It lives only as long as
// the send and is never persisted or retried.
type Task struct {
	EventID    string
	EventKind  string
	Payload    any
	Body       []byte           // JSON serialization of Payload, set on the worker
	Request    template.Request // per-task clone of the request template
	EnqueuedAt time.Time
}
