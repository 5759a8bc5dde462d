package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

type received struct {
	ctx    context.Context
	event  *event.Event
	admin  *event.AdminEvent
	update bool
}

type recordingSink struct {
	mu  sync.Mutex
	got []received
}

func (s *recordingSink) OnEvent(ctx context.Context, e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, received{ctx: ctx, event: &e})
}

func (s *recordingSink) OnAdminEvent(ctx context.Context, e event.AdminEvent, isUpdate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, received{ctx: ctx, admin: &e, update: isUpdate})
}

func (s *recordingSink) all() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("test", io.Discard, logging.LevelDebug)
}

func TestServer_Routes(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		body           string
		expectedStatus int
		check          func(t *testing.T, got []received)
	}{
		{
			name:           "event with id",
			method:         http.MethodPost,
			path:           "/v1/events",
			body:           `{"id":"evt-1","time":1700000000000,"type":"LOGIN","clientId":"web"}`,
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, got []received) {
				if len(got) != 1 || got[0].event == nil {
					t.Fatalf("sink got %+v", got)
				}
				if got[0].event.ID != "evt-1" || got[0].event.Type != "LOGIN" || got[0].event.ClientID != "web" {
					t.Errorf("event = %+v", got[0].event)
				}
			},
		},
		{
			name:           "event without id gets one",
			method:         http.MethodPost,
			path:           "/v1/events",
			body:           `{"type":"LOGOUT"}`,
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, got []received) {
				if len(got) != 1 {
					t.Fatalf("sink got %d events", len(got))
				}
				if _, err := uuid.Parse(got[0].event.ID); err != nil {
					t.Errorf("generated id %q is not a uuid: %v", got[0].event.ID, err)
				}
				if got[0].event.Time == 0 {
					t.Error("time was not stamped")
				}
			},
		},
		{
			name:           "admin update",
			method:         http.MethodPost,
			path:           "/v1/admin-events?update=true",
			body:           `{"id":"adm-1","operationType":"UPDATE","resourcePath":"users/1"}`,
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, got []received) {
				if len(got) != 1 || got[0].admin == nil {
					t.Fatalf("sink got %+v", got)
				}
				if !got[0].update || got[0].admin.ResourcePath != "users/1" {
					t.Errorf("admin = %+v update %v", got[0].admin, got[0].update)
				}
			},
		},
		{
			name:           "admin update flag must be boolean",
			method:         http.MethodPost,
			path:           "/v1/admin-events?update=sometimes",
			body:           `{"operationType":"DELETE"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed json",
			method:         http.MethodPost,
			path:           "/v1/events",
			body:           `{"type":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "wrong method",
			method:         http.MethodGet,
			path:           "/v1/events",
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "too large",
			method:         http.MethodPost,
			path:           "/v1/events",
			body:           `{"type":"` + strings.Repeat("x", maxEventBytes) + `"}`,
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			mux := http.NewServeMux()
			NewServer(sink, quietLogger()).Routes(mux)

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.expectedStatus, w.Body.String())
			}
			if tt.expectedStatus == http.StatusAccepted {
				var resp acceptedResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.ID == "" {
					t.Errorf("response = %s, want an id", w.Body.String())
				}
			} else if len(sink.all()) != 0 {
				t.Errorf("rejected request reached the sink")
			}
			if tt.check != nil {
				tt.check(t, sink.all())
			}
		})
	}
}

func TestEnvelope_Deliver(t *testing.T) {
	sink := &recordingSink{}

	if _, err := (Envelope{Kind: "audit", Event: json.RawMessage(`{}`)}).Deliver(context.Background(), sink); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Deliver(unknown kind) error = %v, want ErrUnknownKind", err)
	}
	if _, err := NewEnvelope(context.Background(), "audit", false, struct{}{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("NewEnvelope(unknown kind) error = %v, want ErrUnknownKind", err)
	}

	env, err := NewEnvelope(context.Background(), event.KindAdmin, true, event.AdminEvent{ID: "adm-9", OperationType: "CREATE"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.Deliver(context.Background(), sink)
	if err != nil || id != "adm-9" {
		t.Fatalf("Deliver() = %q, %v", id, err)
	}
	if got := sink.all(); len(got) != 1 || !got[0].update || got[0].admin.OperationType != "CREATE" {
		t.Errorf("sink got %+v", got)
	}
}

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestNSQ_PublishAndHandlePropagatesTrace(t *testing.T) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "publisher")
	defer span.End()

	env, err := NewEnvelope(ctx, event.KindEvent, false, event.Event{ID: "evt-7", Type: "LOGIN"})
	if err != nil {
		t.Fatal(err)
	}
	prod := &fakeProducer{}
	if err := Publish(prod, "host_events", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if prod.topic != "host_events" {
		t.Errorf("topic = %q", prod.topic)
	}

	sink := &recordingSink{}
	h := NewNSQHandler(sink, quietLogger())
	if err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{'1'}, prod.body)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	got := sink.all()
	if len(got) != 1 || got[0].event == nil || got[0].event.ID != "evt-7" {
		t.Fatalf("sink got %+v", got)
	}
	remote := trace.SpanContextFromContext(got[0].ctx)
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id = %s, want %s", remote.TraceID(), span.SpanContext().TraceID())
	}
}

func TestNSQHandler_BadMessagesAreFinished(t *testing.T) {
	var logs bytes.Buffer
	sink := &recordingSink{}
	h := NewNSQHandler(sink, logging.NewWithWriter("test", &logs, logging.LevelDebug))

	for _, body := range []string{`not json`, `{"kind":"audit","event":{}}`, `{"kind":"event","event":"nope"}`} {
		if err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{'2'}, []byte(body))); err != nil {
			t.Errorf("HandleMessage(%s) error = %v, want nil so the message is not requeued", body, err)
		}
	}
	if len(sink.all()) != 0 {
		t.Errorf("bad messages reached the sink: %+v", sink.all())
	}
	if n := strings.Count(logs.String(), `"level":"error"`); n != 3 {
		t.Errorf("logged %d errors, want 3", n)
	}
}

func TestPublish_Error(t *testing.T) {
	prod := &fakeProducer{err: errors.New("nsqd down")}
	if err := Publish(prod, "t", Envelope{Kind: event.KindEvent, Event: json.RawMessage(`{}`)}); err == nil {
		t.Error("Publish() expected error")
	}
}

func TestEnvelope_DeliverUsesTypedEventShape(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    string
	}{
		{
			name: "unknown fields are not relayed",
			body: `{"id":"evt-1","type":"LOGIN","tenant":"acme","details":{"username":"alice"}}`,
			want: `{"id":"evt-1","time":1,"type":"LOGIN","details":{"username":"alice"}}`,
		},
		{
			name:    "non string details are rejected",
			body:    `{"id":"evt-2","type":"LOGIN","details":{"attempts":3}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			env := Envelope{Kind: event.KindEvent, Event: json.RawMessage(tt.body)}
			_, err := env.Deliver(context.Background(), sink)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Deliver() error = nil, want decode error")
				}
				if len(sink.all()) != 0 {
					t.Error("sink received an event that failed to decode")
				}
				return
			}
			if err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			got := sink.all()
			if len(got) != 1 || got[0].event == nil {
				t.Fatalf("sink got %+v", got)
			}
			ev := *got[0].event
			ev.Time = 1
			b, err := json.Marshal(ev)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("relayed body = %s, want %s", b, tt.want)
			}
		})
	}
}
