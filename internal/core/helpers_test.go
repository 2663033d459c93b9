package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, 3, 9, 14, 5, 30, 0, time.UTC)

func fixedClock() Clock {
	return ClockFunc(func() time.Time { return fixedTime })
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	base := []Option{WithClock(fixedClock()), WithRandom(NewSeededRandom(42))}
	return NewInMemoryService(NewDefaultRulesEngine(), append(base, opts...)...)
}

func mustAdd(t *testing.T, svc *Service, chemistry string) string {
	t.Helper()
	out, err := svc.AddCell(context.Background(), chemistry)
	if err != nil {
		t.Fatalf("add %s: %v", chemistry, err)
	}
	if len(out.CellIDs) != 1 {
		t.Fatalf("expected one id, got %+v", out)
	}
	return out.CellIDs[0]
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

type captureTracer struct {
	started []string
	errs    []error
}

type captureSpan struct {
	tracer *captureTracer
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.started = append(c.started, op)
	return ctx, captureSpan{tracer: c}
}

func (s captureSpan) End(err error) {
	s.tracer.errs = append(s.tracer.errs, err)
}

type captureLogger struct {
	mu    sync.Mutex
	warns []string
	infos []string
}

func (l *captureLogger) Debug(string, ...any) {}

func (l *captureLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Error(string, ...any) {}
