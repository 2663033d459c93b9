package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"cellmonitor/internal/adapters/export"
	"cellmonitor/internal/archive"
	"cellmonitor/internal/blob"
	"cellmonitor/internal/core"
)

var fixedTime = time.Date(2024, 3, 9, 14, 5, 30, 0, time.UTC)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	clock := core.ClockFunc(func() time.Time { return fixedTime })
	sessions := core.NewSessions(func(string) *core.Service {
		return core.NewInMemoryService(nil, core.WithClock(clock), core.WithRandom(core.NewSeededRandom(11)))
	})
	h := NewHandler(sessions)
	h.Clock = clock
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func openSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: %d %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[sessionResponse](t, rec)
	if view.Occupancy != "Current cells: 0/8" || view.Cells == nil {
		t.Fatalf("unexpected new session %+v", view)
	}
	return view.ID
}

func TestCellLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	id := openSession(t, h)
	base := "/api/sessions/" + id

	rec := do(t, h, http.MethodPost, base+"/cells", `{"chemistry":"LFP"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add cell: %d %s", rec.Code, rec.Body.String())
	}
	out := decodeBody[core.Outcome](t, rec)
	if !out.Success || out.Message != "Added new cell: cell_1_lfp" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	rec = do(t, h, http.MethodPut, base+"/cells/cell_1_lfp/current", `{"current":1.5}`)
	if out := decodeBody[core.Outcome](t, rec); rec.Code != http.StatusOK || out.Message != "Updated cell_1_lfp: 1.50 A, 4.80 Wh" {
		t.Fatalf("update: %d %+v", rec.Code, out)
	}
	if rec := do(t, h, http.MethodPut, base+"/cells/cell_1_lfp/current", `{"current":11}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range current, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, base+"/cells/cell_1_lfp/current", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when current missing, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, base+"/cells/cell_7_lfp/current", `{"current":1}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cell, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, base+"/summary", "")
	summary := decodeBody[struct {
		Summary   core.Summary `json:"summary"`
		Occupancy string       `json:"occupancy"`
	}](t, rec)
	if summary.Summary.TotalCapacity != 4.8 || summary.Summary.ActiveCells != 1 || summary.Occupancy != "Current cells: 1/8" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if rec := do(t, h, http.MethodDelete, base+"/cells/cell_1_lfp", ""); rec.Code != http.StatusOK {
		t.Fatalf("remove: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, base+"/cells/cell_1_lfp", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second remove, got %d", rec.Code)
	}
}

func TestCellIDsWithSlashAreAddressable(t *testing.T) {
	h := newTestHandler(t)
	id := openSession(t, h)
	base := "/api/sessions/" + id

	rec := do(t, h, http.MethodPost, base+"/cells", `{"chemistry":"foo/bar"}`)
	if out := decodeBody[core.Outcome](t, rec); rec.Code != http.StatusOK || len(out.CellIDs) != 1 || out.CellIDs[0] != "cell_1_foo/bar" {
		t.Fatalf("add: %d %+v", rec.Code, out)
	}
	cellPath := base + "/cells/" + url.PathEscape("cell_1_foo/bar")

	if rec := do(t, h, http.MethodPut, cellPath+"/current", `{"current":2}`); rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodDelete, cellPath, ""); rec.Code != http.StatusOK {
		t.Fatalf("remove: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, base+"/cells", ""); !strings.Contains(rec.Body.String(), "[]") {
		t.Fatalf("expected no cells left, got %s", rec.Body.String())
	}
}

func TestBulkOperationsOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	base := "/api/sessions/" + openSession(t, h)

	rec := do(t, h, http.MethodPost, base+"/quick-add", `{"count":10}`)
	out := decodeBody[core.Outcome](t, rec)
	if rec.Code != http.StatusOK || out.Message != "Added 8 of 10 cells (maximum 8 reached)" || len(out.CellIDs) != 8 {
		t.Fatalf("quick add: %d %+v", rec.Code, out)
	}
	if rec := do(t, h, http.MethodPost, base+"/quick-add", `{"count":0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero count, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+"/cells", `{"chemistry":"nimh"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 at capacity, got %d", rec.Code)
	}

	cells := decodeBody[struct {
		Cells core.Snapshot `json:"cells"`
	}](t, do(t, h, http.MethodGet, base+"/cells", "")).Cells
	currents := map[string]float64{}
	for _, c := range cells {
		currents[c.ID] = 2
	}
	payload, _ := json.Marshal(map[string]any{"currents": currents})
	if rec := do(t, h, http.MethodPut, base+"/currents", string(payload)); rec.Code != http.StatusOK {
		t.Fatalf("update currents: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/randomize", ""); rec.Code != http.StatusOK {
		t.Fatalf("randomize: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, base+"/clear", "")
	if out := decodeBody[core.Outcome](t, rec); out.Message != "Cleared all cells" || len(out.CellIDs) != 8 {
		t.Fatalf("clear: %+v", out)
	}
	if rec := do(t, h, http.MethodGet, base+"/clear", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDownloadExport(t *testing.T) {
	h := newTestHandler(t)
	base := "/api/sessions/" + openSession(t, h)
	do(t, h, http.MethodPost, base+"/cells", `{"chemistry":"nicad"}`)

	rec := do(t, h, http.MethodGet, base+"/export?format=csv", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="battery_cells_20240309_140530.csv"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "CellID,chemistry,") || !strings.Contains(rec.Body.String(), "cell_1_nicad") {
		t.Fatalf("unexpected csv %q", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, base+"/export", "")
	snap, err := core.DecodeJSON(rec.Body.Bytes())
	if err != nil || len(snap) != 1 {
		t.Fatalf("json export: %v %+v", err, snap)
	}
	if rec := do(t, h, http.MethodGet, base+"/export?format=xml", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestSessionRouting(t *testing.T) {
	h := newTestHandler(t)
	id := openSession(t, h)
	other := openSession(t, h)

	list := decodeBody[struct {
		Sessions []core.SessionInfo `json:"sessions"`
	}](t, do(t, h, http.MethodGet, "/api/sessions", ""))
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", list)
	}

	do(t, h, http.MethodPost, "/api/sessions/"+id+"/cells", `{"chemistry":"lfp"}`)
	view := decodeBody[sessionResponse](t, do(t, h, http.MethodGet, "/api/sessions/"+other, ""))
	if len(view.Cells) != 0 {
		t.Fatalf("sessions must be isolated, got %+v", view.Cells)
	}

	if rec := do(t, h, http.MethodDelete, "/api/sessions/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("close: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/"+id+"/cells", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for closed session, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/not-a-uuid", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/"+other+"/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown endpoint, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/"+other+"/exports", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("exports should be disabled without a scheduler, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/elsewhere", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside prefix, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/sessions/"+other+"/cells", `{"chemistry":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestExportJobsOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	ledger := archive.NewMemory()
	worker := export.NewWorker(blob.NewMemory(), ledger, export.WithClock(h.Clock))
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })
	h.Exports = worker
	h.Ledger = ledger

	id := openSession(t, h)
	base := "/api/sessions/" + id
	do(t, h, http.MethodPost, base+"/cells", `{"chemistry":"lead-acid"}`)

	rec := do(t, h, http.MethodPost, base+"/exports", `{"formats":["csv"],"requested_by":"ops"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	queued := decodeBody[struct {
		Export export.Record `json:"export"`
	}](t, rec).Export
	if queued.SessionID != id || queued.CellCount != 1 {
		t.Fatalf("unexpected queued record %+v", queued)
	}
	if rec := do(t, h, http.MethodPost, base+"/exports", `{"formats":["pdf"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	var done export.Record
	for {
		rec := do(t, h, http.MethodGet, base+"/exports/"+queued.ID, "")
		done = decodeBody[struct {
			Export export.Record `json:"export"`
		}](t, rec).Export
		if done.Status == export.StatusSucceeded || done.Status == export.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export did not finish: %+v", done)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if done.Status != export.StatusSucceeded || len(done.Artifacts) != 1 {
		t.Fatalf("unexpected export %+v", done)
	}

	listing := decodeBody[struct {
		Exports []export.Record `json:"exports"`
		Ledger  []archive.Entry `json:"ledger"`
	}](t, do(t, h, http.MethodGet, base+"/exports", ""))
	if len(listing.Exports) != 1 || len(listing.Ledger) != 1 || listing.Ledger[0].Format != "csv" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	other := openSession(t, h)
	if rec := do(t, h, http.MethodGet, "/api/sessions/"+other+"/exports/"+queued.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("export must not leak across sessions, got %d", rec.Code)
	}
}
