package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
)

type endpoint struct {
	mu     sync.Mutex
	bodies []string
	auth   []string
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.bodies = append(e.bodies, string(b))
	e.auth = append(e.auth, r.Header.Get("X-Auth"))
	e.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func testViper(t *testing.T, settings map[string]any) *viper.Viper {
	t.Helper()
	v := viper.New()
	if err := initConfig(v, ""); err != nil {
		t.Fatal(err)
	}
	v.Set("log_level", "error")
	for k, val := range settings {
		v.Set(k, val)
	}
	return v
}

func TestBuild_RelaysIngestedEvents(t *testing.T) {
	ep := &endpoint{}
	target := httptest.NewServer(ep)
	defer target.Close()

	v := testViper(t, map[string]any{
		config.KeyURL:                  target.URL,
		config.HeaderPrefix + "x-auth": "secret",
	})
	r, err := build(v, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	relaySrv := httptest.NewServer(r.handler)
	defer relaySrv.Close()

	// Not started yet
	resp, err := http.Get(relaySrv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz before start = %d, want 503", resp.StatusCode)
	}

	r.dispatcher.Start()
	resp, err = http.Post(relaySrv.URL+"/v1/events", "application/json", strings.NewReader(`{"id":"e-1","type":"LOGIN"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/events = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Get(relaySrv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz after start = %d, want 200", resp.StatusCode)
	}

	if err := r.dispatcher.Shutdown(); err != nil {
		t.Fatal(err)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.bodies) != 1 || !strings.Contains(ep.bodies[0], `"id":"e-1"`) {
		t.Errorf("endpoint got %v", ep.bodies)
	}
	if len(ep.auth) != 1 || ep.auth[0] != "secret" {
		t.Errorf("X-Auth = %v, want [secret]", ep.auth)
	}

	resp, err = http.Get(relaySrv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("harborrelay_dispatches_total")) {
		t.Error("/metrics does not expose relay metrics")
	}
}

func TestBuild_IngressAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	keyFile := filepath.Join(t.TempDir(), "relay.pub")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}

	v := testViper(t, map[string]any{
		config.KeyURL:          "http://127.0.0.1:1",
		"auth.public_key_file": keyFile,
	})
	r, err := build(v, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	r.dispatcher.Start()
	defer r.dispatcher.Shutdown()

	post := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"type":"LOGIN"}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", code)
	}
	token, err := auth.IssueToken(key, "", "harbor-relay", "harbor-relay-ingest", "host-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if code := post(token); code != http.StatusAccepted {
		t.Errorf("with token = %d, want 202", code)
	}

	w := httptest.NewRecorder()
	r.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz must not require a token, got %d", w.Code)
	}
}

func TestBuild_InvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
	}{
		{name: "non numeric timeout", settings: map[string]any{config.KeyTimeout: "fast"}},
		{name: "zero timeout", settings: map[string]any{config.KeyTimeout: "0"}},
		{name: "bad url", settings: map[string]any{config.KeyURL: "ftp://example.test"}},
		{name: "missing key file", settings: map[string]any{"auth.public_key_file": "/nonexistent/relay.pub"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := build(testViper(t, tt.settings), prometheus.NewRegistry()); err == nil {
				t.Error("build() expected error")
			}
		})
	}
}

func TestRootCmd(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "version"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("missing %q command, have %v", want, names)
		}
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "relay version dev") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestServeCmd_TimeoutFlag(t *testing.T) {
	serve, _, err := newRootCmd().Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	f := serve.Flags().Lookup("timeout")
	if f == nil {
		t.Fatal("serve has no --timeout flag")
	}
	if f.DefValue != "2" || f.Usage != "connect timeout in seconds" {
		t.Errorf("--timeout = (%q, %q)", f.DefValue, f.Usage)
	}
}

func TestRun_ConsumerFailureStopsDispatcher(t *testing.T) {
	v := testViper(t, map[string]any{
		"http_addr":         "127.0.0.1:0",
		"nsq.nsqd_tcp_addr": "127.0.0.1:1",
	})
	r, err := build(v, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "nsq") {
			t.Errorf("run() error = %v, want nsq connect error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after the consumer failed")
	}
	if r.dispatcher.Running() {
		t.Error("dispatcher still running after run() returned")
	}
}
