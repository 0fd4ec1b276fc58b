// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(s *Server, method, path string, auth func(*http.Request)) (*http.Response, string) {
	req := httptest.NewRequest(method, path, nil)
	if auth != nil {
		auth(req)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(NewRegistry(), ServerConfig{})
	if s.Addr() != ":9130" {
		t.Errorf("Addr = %q", s.Addr())
	}
	if s.cfg.ReadTimeout != 10*time.Second || s.cfg.WriteTimeout != 10*time.Second {
		t.Errorf("timeouts = %v %v", s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	}
	if s.IsRunning() {
		t.Error("running before Start")
	}
}

func TestHandleMetrics(t *testing.T) {
	dm := NewDriverMetrics()
	dm.Events.Inc(Labels{"axis": "X", "kind": "fault"})
	s := NewServer(dm, ServerConfig{Address: ":0"})

	resp, body := serve(s, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(body, `steppermon_driver_events_total{axis="X",kind="fault"} 1`) {
		t.Errorf("event counter missing:\n%s", body)
	}

	resp, body = serve(s, http.MethodHead, "/metrics", nil)
	if resp.StatusCode != http.StatusOK || body != "" {
		t.Errorf("HEAD = %d %q", resp.StatusCode, body)
	}
	resp, _ = serve(s, http.MethodPost, "/metrics", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	s := NewServer(NewRegistry(), ServerConfig{Address: ":0", Username: "admin", Password: "secret"})
	tests := []struct {
		name string
		auth func(*http.Request)
		want int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.SetBasicAuth("admin", "nope") }, http.StatusUnauthorized},
		{"right", func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, http.StatusOK},
	}
	for _, tt := range tests {
		resp, _ := serve(s, http.MethodGet, "/metrics", tt.auth)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
		if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
			t.Errorf("%s: no WWW-Authenticate header", tt.name)
		}
	}

	// health stays open
	if resp, _ := serve(s, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	s := NewServer(NewRegistry(), ServerConfig{Address: ":0"})
	halted := false
	s.SetHealthCheck(func() bool { return !halted })

	if resp, body := serve(s, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK || body != "OK\n" {
		t.Errorf("healthy = %d %q", resp.StatusCode, body)
	}
	halted = true
	if resp, body := serve(s, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusServiceUnavailable || body != "HALTED\n" {
		t.Errorf("halted = %d %q", resp.StatusCode, body)
	}
}

func TestStartShutdown(t *testing.T) {
	s := NewServer(NewRegistry(), ServerConfig{Address: "127.0.0.1:0"})
	errCh := s.StartAsync()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.IsRunning() {
		t.Fatal("server did not start")
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Errorf("Addr not resolved: %q", s.Addr())
	}

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start: %v", err)
	}
	if s.Status()["running"].(bool) {
		t.Error("still running after Shutdown")
	}
}
