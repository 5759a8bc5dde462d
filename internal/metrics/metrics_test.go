package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so vector metrics appear in Gather()
	RecordEventReceived("event")
	RecordEventDropped("queue_full")
	RecordDispatch("delivered", 100*time.Millisecond)
	RecordFailure("timeout")
	UpdateQueueDepth(5)
	UpdateActiveWorkers(2)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Errorf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"harborrelay_events_received_total",
		"harborrelay_events_dropped_total",
		"harborrelay_dispatches_total",
		"harborrelay_failures_total",
		"harborrelay_dispatch_latency_seconds",
		"harborrelay_queue_depth",
		"harborrelay_workers",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordEventReceived(t *testing.T) {
	EventsReceivedTotal.Reset()

	tests := []struct {
		name  string
		kind  string
		calls int
	}{
		{
			name:  "single plain event",
			kind:  "event",
			calls: 1,
		},
		{
			name:  "multiple admin events",
			kind:  "admin",
			calls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordEventReceived(tt.kind)
			}

			value := testutil.ToFloat64(EventsReceivedTotal.WithLabelValues(tt.kind))
			if value != float64(tt.calls) {
				t.Errorf("RecordEventReceived() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordDispatch(t *testing.T) {
	DispatchesTotal.Reset()
	DispatchLatencySeconds.Reset()

	tests := []struct {
		name         string
		outcome      string
		latency      time.Duration
		calls        int
		observations int
	}{
		{
			name:         "delivered",
			outcome:      "delivered",
			latency:      20 * time.Millisecond,
			calls:        3,
			observations: 3,
		},
		{
			name:         "endpoint error",
			outcome:      "endpoint_error",
			latency:      time.Second,
			calls:        1,
			observations: 1,
		},
		{
			name:         "serialization error has no latency",
			outcome:      "serialization_error",
			latency:      0,
			calls:        2,
			observations: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDispatch(tt.outcome, tt.latency)
			}

			value := testutil.ToFloat64(DispatchesTotal.WithLabelValues(tt.outcome))
			if value != float64(tt.calls) {
				t.Errorf("RecordDispatch() counter value = %f, want %f", value, float64(tt.calls))
			}

			count := testutil.CollectAndCount(DispatchLatencySeconds, "harborrelay_dispatch_latency_seconds")
			if tt.observations > 0 && count == 0 {
				t.Error("RecordDispatch() latency histogram has no series after recording")
			}
		})
	}
}

func TestRecordFailureAndDropped(t *testing.T) {
	FailuresTotal.Reset()
	EventsDroppedTotal.Reset()

	RecordFailure("http_5xx")
	RecordFailure("http_5xx")
	RecordFailure("connection_refused")
	RecordEventDropped("stopped")

	if v := testutil.ToFloat64(FailuresTotal.WithLabelValues("http_5xx")); v != 2 {
		t.Errorf("failures{http_5xx} = %f, want 2", v)
	}
	if v := testutil.ToFloat64(FailuresTotal.WithLabelValues("connection_refused")); v != 1 {
		t.Errorf("failures{connection_refused} = %f, want 1", v)
	}
	if v := testutil.ToFloat64(EventsDroppedTotal.WithLabelValues("stopped")); v != 1 {
		t.Errorf("dropped{stopped} = %f, want 1", v)
	}
}

func TestGauges(t *testing.T) {
	UpdateQueueDepth(7)
	UpdateActiveWorkers(3)

	if v := testutil.ToFloat64(QueueDepth); v != 7 {
		t.Errorf("QueueDepth = %f, want 7", v)
	}
	if v := testutil.ToFloat64(ActiveWorkers); v != 3 {
		t.Errorf("ActiveWorkers = %f, want 3", v)
	}

	UpdateQueueDepth(0)
	if v := testutil.ToFloat64(QueueDepth); v != 0 {
		t.Errorf("QueueDepth = %f, want 0", v)
	}
}
