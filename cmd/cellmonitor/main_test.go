package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := parseConfig(nil, envFrom(nil), io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.addr != ":8080" || cfg.strict || cfg.seed != 0 || cfg.sessionTTL != 30*time.Minute || cfg.logLevel != slog.LevelInfo {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	env := envFrom(map[string]string{
		"CELLMONITOR_ADDR":             ":9000",
		"CELLMONITOR_STRICT_CHEMISTRY": "true",
		"CELLMONITOR_SEED":             "42",
		"CELLMONITOR_SESSION_TTL":      "5m",
		"CELLMONITOR_LOG_LEVEL":        "debug",
	})
	cfg, err = parseConfig([]string{"-addr", ":9100", "-export-queue", "4"}, env, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.addr != ":9100" || !cfg.strict || cfg.seed != 42 || cfg.sessionTTL != 5*time.Minute || cfg.exportQueue != 4 || cfg.logLevel != slog.LevelDebug {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	if _, err := parseConfig(nil, envFrom(map[string]string{"CELLMONITOR_SEED": "abc", "CELLMONITOR_SESSION_TTL": "soon"}), io.Discard); err == nil ||
		!strings.Contains(err.Error(), "CELLMONITOR_SEED") || !strings.Contains(err.Error(), "CELLMONITOR_SESSION_TTL") {
		t.Fatalf("expected both env errors, got %v", err)
	}
	if _, err := parseConfig([]string{"-log-level", "loud"}, envFrom(nil), io.Discard); err == nil {
		t.Fatalf("expected log level error")
	}
	if code := cli(context.Background(), []string{"-nope"}, envFrom(nil), io.Discard); code != 2 {
		t.Fatalf("expected exit code 2 for unknown flag, got %d", code)
	}
	if code := cli(context.Background(), []string{"-h"}, envFrom(nil), io.Discard); code != 0 {
		t.Fatalf("expected exit code 0 for help, got %d", code)
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("CELLMONITOR_BLOB_DRIVER", "memory")
	t.Setenv("CELLMONITOR_ARCHIVE_DRIVER", "memory")
	cfg, err := parseConfig([]string{"-addr", "127.0.0.1:0", "-seed", "9"}, envFrom(nil), io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)), io.Discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func TestAppServesAPIAndMetrics(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	for path, want := range map[string]string{
		"/healthz":    "ok",
		"/metrics":    "cellmonitor_sessions_open 1",
		"/debug/vars": "cellmonitor_service_metrics_",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(want)) {
			t.Fatalf("%s: status %d, body missing %q", path, resp.StatusCode, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}
