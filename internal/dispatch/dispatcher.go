package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/template"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// maxResponseBody caps how much of an endpoint response is read for logging
const maxResponseBody = 64 << 10

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// FailureHandler is told about every event that was not delivered. It runs on
// the worker goroutine (or the submitting goroutine for rejected events) and
// must not block for long.
type FailureHandler func(delivery.Failure)

// Dispatcher forwards host events to the configured endpoint without ever
// blocking the host. Delivery is best effort and at most once.
type Dispatcher struct {
	cfg             config.Config
	tmpl            *template.Template
	client          *http.Client
	logger          *logging.Logger
	onFailure       FailureHandler
	marshal         func(any) ([]byte, error)
	shutdownTimeout time.Duration

	pool  *pool
	state atomic.Int32
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger used for traces and failures
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHTTPClient replaces the transport. The client's own timeouts apply.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithFailureHandler registers a hook for undelivered events
func WithFailureHandler(fn FailureHandler) Option {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// New builds the request template and the worker pool from cfg. It fails when
// the endpoint url cannot be used.
func New(cfg config.Config, opts ...Option) (*Dispatcher, error) {
	tmpl, err := template.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build request template: %w", err)
	}

	d := &Dispatcher{
		cfg:             cfg,
		tmpl:            tmpl,
		logger:          logging.Default(),
		marshal:         json.Marshal,
		shutdownTimeout: cfg.ShutdownTimeout(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = newHTTPClient(cfg)
	}
	d.pool = newPool(cfg.Workers(), cfg.QueueSize(), cfg.IdleTimeout(), d.runTask)
	return d, nil
}

// newHTTPClient speaks HTTP/1.1, applies the connect timeout to dialing and
// TLS handshakes and follows redirects except https to http downgrades.
func newHTTPClient(cfg config.Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout(),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.Workers(),
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     false,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	var rt http.RoundTripper = tr
	if cfg.Tracing() {
		rt = tracing.Transport(tr)
	}
	return &http.Client{
		Transport:     rt,
		CheckRedirect: checkRedirect,
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if via[0].URL.Scheme == "https" && req.URL.Scheme == "http" {
		return http.ErrUseLastResponse
	}
	return nil
}

// Start makes the dispatcher accept events
func (d *Dispatcher) Start() {
	if d.state.CompareAndSwap(stateNew, stateRunning) {
		d.logger.Plain().
			WithEndpoint(d.tmpl.URL()).
			WithFields(map[string]any{
				"timeout_seconds": d.cfg.Timeout(),
				"workers":         d.cfg.Workers(),
				"queue_size":      d.cfg.QueueSize(),
			}).
			Info("dispatcher started")
	}
}

// Running reports whether events are currently accepted
func (d *Dispatcher) Running() bool {
	return d.state.Load() == stateRunning
}

// OnEvent queues a host lifecycle event for delivery and returns immediately
func (d *Dispatcher) OnEvent(ctx context.Context, e event.Event) {
	d.logger.WithContext(ctx).WithEvent(e.ID, event.KindEvent).
		Debugf("Received event [%s] from %s", e.Type, e.ClientID)
	d.Submit(ctx, event.KindEvent, e.ID, e)
}

// OnAdminEvent queues an administrative event for delivery and returns immediately
func (d *Dispatcher) OnAdminEvent(ctx context.Context, e event.AdminEvent, isUpdate bool) {
	d.logger.WithContext(ctx).WithEvent(e.ID, event.KindAdmin).WithField("update", isUpdate).
		Debugf("Received admin event [%s] targeting %s", e.OperationType, e.ResourcePath)
	d.Submit(ctx, event.KindAdmin, e.ID, e)
}

// Submit queues any JSON-serializable payload. It never blocks and never
// fails the caller; rejected events are logged and reported to the failure
// handler.
func (d *Dispatcher) Submit(ctx context.Context, kind, eventID string, payload any) {
	if ctx == nil {
		ctx = context.Background()
	}
	task := delivery.Task{
		EventID:    eventID,
		EventKind:  kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	var err error
	switch d.state.Load() {
	case stateNew:
		err = ErrNotStarted
	case stateStopped:
		err = ErrStopped
	default:
		// The send outlives the caller's request; keep its values, drop its deadline
		err = d.pool.submit(job{ctx: context.WithoutCancel(ctx), task: task})
	}
	if err != nil {
		reason := "stopped"
		if errors.Is(err, ErrQueueFull) {
			reason = "queue_full"
		}
		metrics.RecordEventDropped(reason)
		d.logger.WithContext(ctx).WithEvent(eventID, kind).WithError(err).Error("Event dropped before dispatch")
		d.fail(delivery.NewFailure(task, delivery.FailureRejected, reason, 0, "", err))
		return
	}
	metrics.RecordEventReceived(kind)
}

// runTask contains every failure of a single task, panics included
func (d *Dispatcher) runTask(ctx context.Context, t delivery.Task) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while forwarding event: %v", r)
			d.logger.WithContext(ctx).WithEvent(t.EventID, t.EventKind).WithError(err).Error("Error while forwarding event")
			metrics.RecordDispatch("panic", 0)
			d.fail(delivery.NewFailure(t, delivery.FailureTransport, "panic", 0, "", err))
		}
	}()
	d.send(ctx, t)
}

func (d *Dispatcher) send(ctx context.Context, t delivery.Task) {
	ctx, span := tracing.StartSpan(ctx, "relay.send",
		attribute.String("event.id", t.EventID),
		attribute.String("event.kind", t.EventKind),
		attribute.String("http.url", d.tmpl.URL()),
	)
	defer span.End()

	t.Request = d.tmpl.Clone()
	log := func() *logging.LogEntry {
		return d.logger.WithContext(ctx).WithEvent(t.EventID, t.EventKind).WithEndpoint(t.Request.URL)
	}

	body, err := d.marshal(t.Payload)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSerialization, err)
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("Error while serializing event")
		metrics.RecordDispatch("serialization_error", 0)
		metrics.RecordFailure("serialization")
		d.fail(delivery.NewFailure(t, delivery.FailureSerialization, "serialization", 0, "", err))
		return
	}
	t.Body = body

	req, err := t.Request.Build(ctx, body)
	if err != nil {
		d.transportFailed(ctx, t, log(), err, 0)
		return
	}

	tracing.AddSpanEvent(ctx, "http.send")
	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		d.transportFailed(ctx, t, log(), err, latency)
		return
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if isEndpointError(resp.StatusCode) {
		epErr := &EndpointError{StatusCode: resp.StatusCode, Body: string(respBody)}
		reason := classifyStatus(resp.StatusCode)
		tracing.SetSpanError(ctx, epErr)
		log().WithField("status", resp.StatusCode).Errorf("HTTP endpoint returned [%d] : %s", resp.StatusCode, respBody)
		metrics.RecordDispatch("endpoint_error", latency)
		metrics.RecordFailure(reason)
		d.fail(delivery.NewFailure(t, delivery.FailureEndpoint, reason, resp.StatusCode, epErr.Body, epErr))
		return
	}

	metrics.RecordDispatch("delivered", latency)
}

func (d *Dispatcher) transportFailed(ctx context.Context, t delivery.Task, entry *logging.LogEntry, cause error, latency time.Duration) {
	err := fmt.Errorf("%w: %w", ErrTransport, cause)
	reason := classifyTransportError(cause)
	tracing.SetSpanError(ctx, err)
	entry.WithError(err).WithField("reason", reason).Error("Error while forwarding event")
	metrics.RecordDispatch("transport_error", latency)
	metrics.RecordFailure(reason)
	d.fail(delivery.NewFailure(t, delivery.FailureTransport, reason, 0, "", err))
}

func (d *Dispatcher) fail(f delivery.Failure) {
	if d.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Plain().WithEvent(f.EventID, f.EventKind).WithField("panic", fmt.Sprint(r)).Error("failure handler panicked")
		}
	}()
	d.onFailure(f)
}

// Shutdown stops accepting events and waits up to the shutdown timeout for
// queued and in-flight sends. Sends still running after the bound are left
// alone and ErrShutdownTimeout is returned.
func (d *Dispatcher) Shutdown() error {
	d.logger.Plain().Info("Shutting down dispatcher")
	d.state.Store(stateStopped)

	if !d.pool.stop(d.shutdownTimeout) {
		d.logger.Plain().WithField("timeout", d.shutdownTimeout.String()).Error("Timed out waiting for in-flight dispatches")
		return ErrShutdownTimeout
	}
	d.logger.Plain().Info("dispatcher stopped")
	return nil
}

// Close is a lifecycle hook for hosts that release listeners per session. It
// does not drain the pool; call Shutdown for that.
func (d *Dispatcher) Close() {}

// Stats reports pool occupancy for health checks
func (d *Dispatcher) Stats() Stats {
	workers, idle, queued := d.pool.stats()
	return Stats{
		Running: d.Running(),
		Workers: workers,
		Idle:    idle,
		Queued:  queued,
	}
}

// Stats is a point-in-time view of the worker pool
type Stats struct {
	Running bool `json:"running"`
	Workers int  `json:"workers"`
	Idle    int  `json:"idle"`
	Queued  int  `json:"queued"`
}
