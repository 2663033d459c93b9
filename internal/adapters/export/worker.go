// Package export renders cell snapshots into downloadable artifacts on a
// background worker, stores them in blob storage and records each artifact
// in the export ledger.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"cellmonitor/internal/archive"
	"cellmonitor/internal/blob"
	"cellmonitor/internal/core"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const auditOperation = "export"

// Artifact captures one stored export file.
type Artifact struct {
	Format      core.ExportFormat `json:"format"`
	Key         string            `json:"key"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	SizeBytes   int64             `json:"size_bytes"`
	ETag        string            `json:"etag,omitempty"`
	URL         string            `json:"url,omitempty"`
	LedgerID    string            `json:"ledger_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Record tracks an export request and its resulting artifacts.
type Record struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id"`
	Formats     []core.ExportFormat `json:"formats"`
	CellCount   int                 `json:"cell_count"`
	Status      Status              `json:"status"`
	Error       string              `json:"error,omitempty"`
	Artifacts   []Artifact          `json:"artifacts,omitempty"`
	RequestedBy string              `json:"requested_by,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	out := r
	out.Formats = append([]core.ExportFormat(nil), r.Formats...)
	out.Artifacts = append([]Artifact(nil), r.Artifacts...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Input is an enqueue request. Snapshot is the state to export; it is
// captured by the caller so later mutations do not leak into the artifact.
type Input struct {
	SessionID   string
	Snapshot    core.Snapshot
	Formats     []core.ExportFormat
	RequestedBy string
	Reason      string
}

// Scheduler queues exports and exposes their status.
type Scheduler interface {
	Enqueue(ctx context.Context, input Input) (Record, error)
	GetExport(id string) (Record, bool)
	ListExports(sessionID string) []Record
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(clock core.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger core.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithAuditRecorder records queued and terminal job transitions.
func WithAuditRecorder(audit core.AuditRecorder) Option {
	return func(w *Worker) {
		if audit != nil {
			w.audit = audit
		}
	}
}

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithURLExpiry sets the lifetime of presigned artifact URLs.
func WithURLExpiry(d time.Duration) Option {
	return func(w *Worker) { w.urlExpiry = d }
}

// Worker executes exports asynchronously.
type Worker struct {
	store  blob.Store
	ledger archive.Ledger
	clock  core.Clock
	logger core.Logger
	audit  core.AuditRecorder

	queueSize int
	urlExpiry time.Duration

	queue chan task
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id    string
	input Input
}

var _ Scheduler = (*Worker)(nil)

// NewWorker constructs a worker writing artifacts to store and entries to
// ledger. A nil ledger skips ledger bookkeeping.
func NewWorker(store blob.Store, ledger archive.Ledger, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:     store,
		ledger:    ledger,
		clock:     core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:    nopLogger{},
		audit:     nopAudit{},
		queueSize: 32,
		jobs:      make(map[string]*Record),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan task, w.queueSize)
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue schedules an export job and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, input Input) (Record, error) {
	if w.store == nil {
		return Record{}, errors.New("export store not configured")
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = core.ExportFormats()
	}
	uniq := make([]core.ExportFormat, 0, len(formats))
	seen := make(map[core.ExportFormat]struct{})
	for _, format := range formats {
		parsed, err := core.ParseExportFormat(string(format))
		if err != nil {
			return Record{}, err
		}
		if _, dup := seen[parsed]; dup {
			continue
		}
		seen[parsed] = struct{}{}
		uniq = append(uniq, parsed)
	}

	now := w.clock.Now().UTC()
	record := Record{
		ID:          uuid.NewString(),
		SessionID:   input.SessionID,
		Formats:     uniq,
		CellCount:   core.TotalCells(input.Snapshot),
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	input.Snapshot = append(core.Snapshot(nil), input.Snapshot...)

	w.mu.Lock()
	w.jobs[record.ID] = &record
	queued := record.copy()
	w.mu.Unlock()

	select {
	case w.queue <- task{id: record.ID, input: input}:
	default:
		w.mu.Lock()
		delete(w.jobs, record.ID)
		w.mu.Unlock()
		return Record{}, errors.New("export queue full")
	}

	w.record(ctx, queued, "")
	w.logger.Info("export queued", "job", record.ID, "session", record.SessionID, "formats", len(uniq))
	return queued, nil
}

// GetExport returns a copy of the export record.
func (w *Worker) GetExport(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// ListExports returns the jobs of a session, newest first. An empty session
// id lists every job.
func (w *Worker) ListExports(sessionID string) []Record {
	w.mu.RLock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		if sessionID == "" || record.SessionID == sessionID {
			out = append(out, record.copy())
		}
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (w *Worker) process(t task) {
	w.mu.RLock()
	_, known := w.jobs[t.id]
	w.mu.RUnlock()
	if !known {
		return
	}
	w.setRunning(t.id)

	record, _ := w.GetExport(t.id)
	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		artifact, err := w.storeFormat(t, record, format)
		if err != nil {
			w.fail(t.id, err.Error())
			return
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(t.id, artifacts)
}

// storeFormat renders and stores a single format and records it in the ledger.
func (w *Worker) storeFormat(t task, record Record, format core.ExportFormat) (Artifact, error) {
	payload, err := format.Render(t.input.Snapshot)
	if err != nil {
		return Artifact{}, fmt.Errorf("render %s: %w", format, err)
	}
	name := core.ExportFileName(format, record.CreatedAt)
	key := "exports/" + record.ID + "/" + name
	info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: format.ContentType(),
		Metadata: map[string]string{
			"session": record.SessionID,
			"job":     record.ID,
			"cells":   strconv.Itoa(record.CellCount),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact failed: %w", err)
	}
	artifact := Artifact{
		Format:      format,
		Key:         key,
		FileName:    name,
		ContentType: format.ContentType(),
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		CreatedAt:   w.clock.Now().UTC(),
	}
	if artifact.SizeBytes == 0 {
		artifact.SizeBytes = int64(len(payload))
	}
	url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{Expiry: w.urlExpiry})
	switch {
	case err == nil:
		artifact.URL = url
	case !errors.Is(err, blob.ErrUnsupported):
		w.logger.Warn("presign failed", "job", record.ID, "key", key, "error", err)
	}
	if w.ledger != nil {
		entry := archive.Entry{
			ID:            uuid.NewString(),
			JobID:         record.ID,
			SessionID:     record.SessionID,
			Format:        string(format),
			Key:           key,
			Size:          artifact.SizeBytes,
			ETag:          artifact.ETag,
			CellCount:     record.CellCount,
			TotalCapacity: core.TotalCapacity(t.input.Snapshot),
			RequestedBy:   record.RequestedBy,
			Reason:        record.Reason,
			CreatedAt:     artifact.CreatedAt,
		}
		if err := w.ledger.Record(w.ctx, entry); err != nil {
			return Artifact{}, fmt.Errorf("record ledger entry: %w", err)
		}
		artifact.LedgerID = entry.ID
	}
	return artifact, nil
}

func (w *Worker) setRunning(id string) {
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusRunning
		record.UpdatedAt = w.clock.Now().UTC()
	}
	w.mu.Unlock()
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := w.clock.Now().UTC()
	w.mu.Lock()
	record, ok := w.jobs[id]
	if ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	var done Record
	if ok {
		done = record.copy()
	}
	w.mu.Unlock()
	if ok {
		w.record(w.ctx, done, "")
		w.logger.Info("export succeeded", "job", id, "artifacts", len(artifacts))
	}
}

func (w *Worker) fail(id, reason string) {
	now := w.clock.Now().UTC()
	w.mu.Lock()
	record, ok := w.jobs[id]
	if ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	var failed Record
	if ok {
		failed = record.copy()
	}
	w.mu.Unlock()
	if ok {
		w.record(w.ctx, failed, reason)
		w.logger.Error("export failed", "job", id, "error", reason)
	}
}

func (w *Worker) record(ctx context.Context, r Record, reason string) {
	status := core.AuditStatusSuccess
	if r.Status == StatusFailed {
		status = core.AuditStatusError
	}
	var duration time.Duration
	if r.CompletedAt != nil {
		duration = r.CompletedAt.Sub(r.CreatedAt)
	}
	w.audit.Record(ctx, core.AuditEntry{
		Operation:  auditOperation,
		Status:     status,
		Message:    fmt.Sprintf("export %s %s", r.ID, r.Status),
		Error:      reason,
		Duration:   duration,
		OccurredAt: r.UpdatedAt,
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopAudit struct{}

func (nopAudit) Record(context.Context, core.AuditEntry) {}
