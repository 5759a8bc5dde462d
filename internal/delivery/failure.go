package delivery

import "time"

// FailureKind classifies why a task did not end in a 2xx/3xx response
type FailureKind string

const (
	FailureSerialization FailureKind = "serialization"
	FailureTransport     FailureKind = "transport"
	FailureEndpoint      FailureKind = "endpoint"
	FailureRejected      FailureKind = "rejected" // never reached a worker
)

// Failure is the snapshot handed to failure handlers. It carries enough of
// the task for an embedding system to add its own retry or dead-lettering.
type Failure struct {
	Kind       FailureKind
	Reason     string // metrics reason, e.g. http_5xx, timeout, queue_full
	At         time.Time
	EventID    string
	EventKind  string
	URL        string
	StatusCode int    // endpoint failures only
	Body       string // endpoint response body, or the request body for transport failures
	Err        error
	Payload    any
}

// NewFailure snapshots t with the given outcome
func NewFailure(t Task, kind FailureKind, reason string, status int, body string, err error) Failure {
	return Failure{
		Kind:       kind,
		Reason:     reason,
		At:         time.Now().UTC(),
		EventID:    t.EventID,
		EventKind:  t.EventKind,
		URL:        t.Request.URL,
		StatusCode: status,
		Body:       body,
		Err:        err,
		Payload:    t.Payload,
	}
}
