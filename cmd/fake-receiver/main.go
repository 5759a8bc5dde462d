package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
)

// receiver is a stand-in endpoint for relay development. It logs every event,
// can fail the first N requests and can insist on a header the relay must send.
type receiver struct {
	failFirstN  int64
	delay       time.Duration
	headerName  string
	headerValue string
	reqCount    atomic.Int64
	logger      *logging.Logger
}

func main() {
	logger := logging.New("fake-receiver")
	rc := &receiver{logger: logger}

	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rc.failFirstN = int64(n)
		}
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rc.delay = time.Duration(n) * time.Millisecond
		}
	}
	// REQUIRE_HEADER=X-Auth=secret
	if v := os.Getenv("REQUIRE_HEADER"); v != "" {
		name, value, _ := strings.Cut(v, "=")
		rc.headerName, rc.headerValue = http.CanonicalHeaderKey(name), value
	}

	addr := ":8000"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	logger.Plain().WithField("addr", addr).Info("fake-receiver listening")
	if err := http.ListenAndServe(addr, rc.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/", rc.handleEvent)
	return mux
}

func (rc *receiver) handleEvent(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	entry := rc.logger.Plain().WithFields(map[string]any{
		"path":    r.URL.Path,
		"request": n,
		"headers": len(r.Header),
	})

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rc.headerName != "" && r.Header.Get(rc.headerName) != rc.headerValue {
		entry.WithField("header", rc.headerName).Warn("missing or wrong required header")
		http.Error(w, "missing "+rc.headerName, http.StatusUnauthorized)
		return
	}
	if !json.Valid(b) {
		entry.WithField("body", truncate(string(b), 160)).Warn("body is not JSON")
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		entry.WithField("body", truncate(string(b), 160)).Warnf("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("event received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
