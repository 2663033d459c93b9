// Package httpapi exposes the per-session command surface over HTTP for the
// dashboard front end.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cellmonitor/internal/adapters/export"
	"cellmonitor/internal/archive"
	"cellmonitor/internal/core"
	"cellmonitor/internal/feed"
	"cellmonitor/pkg/domain"
)

const prefix = "/api/sessions"

// Handler routes /api/sessions requests to the session's service.
type Handler struct {
	Sessions *core.Sessions
	Exports  export.Scheduler
	Ledger   archive.Ledger
	Feed     *feed.Hub
	Clock    core.Clock
}

// NewHandler constructs a handler over sessions. Exports, Ledger and Feed are
// optional; their routes answer 404 when unset.
func NewHandler(sessions *core.Sessions) *Handler {
	return &Handler{Sessions: sessions}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		writeError(w, http.StatusInternalServerError, "sessions not configured")
		return
	}
	// Segments are split before unescaping so ids may carry an encoded "/".
	path := strings.TrimSuffix(r.URL.EscapedPath(), "/")
	switch {
	case path == prefix:
		h.handleSessions(w, r)
	case strings.HasPrefix(path, prefix+"/"):
		segments := strings.Split(strings.TrimPrefix(path, prefix+"/"), "/")
		for i, seg := range segments {
			unescaped, err := url.PathUnescape(seg)
			if err != nil {
				writeError(w, http.StatusBadRequest, "malformed path")
				return
			}
			segments[i] = unescaped
		}
		h.handleSession(w, r, segments)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Sessions.List()})
	case http.MethodPost:
		id, svc := h.Sessions.Open()
		writeJSON(w, http.StatusCreated, sessionView(id, svc))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, segments []string) {
	id := segments[0]
	svc, err := h.Sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, sessionView(id, svc))
		case http.MethodDelete:
			h.Sessions.Close(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	action, rest := segments[1], segments[2:]
	switch {
	case action == "cells" && len(rest) == 0:
		h.handleCells(w, r, svc)
	case action == "cells" && len(rest) == 1:
		if !allow(w, r, http.MethodDelete) {
			return
		}
		out, err := svc.RemoveCell(r.Context(), rest[0])
		respond(w, out, err)
	case action == "cells" && len(rest) == 2 && rest[1] == "current":
		if !allow(w, r, http.MethodPut) {
			return
		}
		var req struct {
			Current *float64 `json:"current"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Current == nil {
			writeError(w, http.StatusBadRequest, "current required")
			return
		}
		out, err := svc.UpdateCurrent(r.Context(), rest[0], *req.Current)
		respond(w, out, err)
	case action == "currents" && len(rest) == 0:
		if !allow(w, r, http.MethodPut) {
			return
		}
		var req struct {
			Currents map[string]float64 `json:"currents"`
		}
		if !decode(w, r, &req) {
			return
		}
		out, err := svc.UpdateCurrents(r.Context(), req.Currents)
		respond(w, out, err)
	case action == "randomize" && len(rest) == 0:
		if !allow(w, r, http.MethodPost) {
			return
		}
		out, err := svc.RandomizeAllCurrents(r.Context())
		respond(w, out, err)
	case action == "quick-add" && len(rest) == 0:
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Count int `json:"count"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Count <= 0 {
			writeError(w, http.StatusBadRequest, "count must be positive")
			return
		}
		out, err := svc.QuickAddMany(r.Context(), req.Count)
		respond(w, out, err)
	case action == "clear" && len(rest) == 0:
		if !allow(w, r, http.MethodPost) {
			return
		}
		out, err := svc.ClearAll(r.Context())
		respond(w, out, err)
	case action == "summary" && len(rest) == 0:
		if !allow(w, r, http.MethodGet) {
			return
		}
		snap := svc.Snapshot()
		summary := core.Summarize(snap, svc.Registry().Limit())
		writeJSON(w, http.StatusOK, map[string]any{
			"summary":      summary,
			"occupancy":    summary.Occupancy(),
			"temperatures": core.TemperatureHistogram(snap, domain.MinTemperature, domain.MaxTemperature, 5),
		})
	case action == "export" && len(rest) == 0:
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleDownload(w, r, svc)
	case action == "exports":
		h.handleExports(w, r, id, svc, rest)
	case action == "feed" && len(rest) == 0:
		if h.Feed == nil {
			http.NotFound(w, r)
			return
		}
		h.Feed.ServeWS(w, r, id, func() feed.Message {
			return feed.NewMessage(id, "subscribe", svc.Snapshot(), h.now())
		})
	default:
		writeError(w, http.StatusNotFound, "session endpoint not found")
	}
}

func (h *Handler) handleCells(w http.ResponseWriter, r *http.Request, svc *core.Service) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cells": nonNil(svc.Snapshot())})
	case http.MethodPost:
		var req struct {
			Chemistry string `json:"chemistry"`
		}
		if !decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Chemistry) == "" {
			writeError(w, http.StatusBadRequest, "chemistry required")
			return
		}
		out, err := svc.AddCell(r.Context(), req.Chemistry)
		respond(w, out, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request, svc *core.Service) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(core.FormatJSON)
	}
	format, err := core.ParseExportFormat(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := svc.Export(format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", core.ExportFileName(format, h.now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request, session string, svc *core.Service, rest []string) {
	if h.Exports == nil {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req struct {
			Formats     []string `json:"formats"`
			RequestedBy string   `json:"requested_by"`
			Reason      string   `json:"reason"`
		}
		if !decode(w, r, &req) {
			return
		}
		formats := make([]core.ExportFormat, 0, len(req.Formats))
		for _, f := range req.Formats {
			parsed, err := core.ParseExportFormat(f)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			formats = append(formats, parsed)
		}
		record, err := h.Exports.Enqueue(r.Context(), export.Input{
			SessionID:   session,
			Snapshot:    svc.Snapshot(),
			Formats:     formats,
			RequestedBy: req.RequestedBy,
			Reason:      req.Reason,
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
	case len(rest) == 0 && r.Method == http.MethodGet:
		body := map[string]any{"exports": h.Exports.ListExports(session)}
		if h.Ledger != nil {
			entries, err := h.Ledger.List(r.Context(), archive.Filter{SessionID: session})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if entries == nil {
				entries = []archive.Entry{}
			}
			body["ledger"] = entries
		}
		writeJSON(w, http.StatusOK, body)
	case len(rest) == 1 && r.Method == http.MethodGet:
		record, ok := h.Exports.GetExport(rest[0])
		if !ok || record.SessionID != session {
			writeError(w, http.StatusNotFound, "export not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"export": record})
	case len(rest) <= 1:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "session endpoint not found")
	}
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now()
}

type sessionResponse struct {
	ID        string        `json:"id"`
	Occupancy string        `json:"occupancy"`
	Summary   core.Summary  `json:"summary"`
	Cells     core.Snapshot `json:"cells"`
}

func sessionView(id string, svc *core.Service) sessionResponse {
	snap := svc.Snapshot()
	summary := core.Summarize(snap, svc.Registry().Limit())
	return sessionResponse{ID: id, Occupancy: summary.Occupancy(), Summary: summary, Cells: nonNil(snap)}
}

func nonNil(snap core.Snapshot) core.Snapshot {
	if snap == nil {
		return core.Snapshot{}
	}
	return snap
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

// respond writes the outcome with a status derived from the error kind.
func respond(w http.ResponseWriter, out core.Outcome, err error) {
	writeJSON(w, statusFor(err), out)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrNotFound{}):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCapacityExceeded{}):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidCurrent{}), errors.Is(err, domain.ErrUnknownChemistry{}):
		return http.StatusBadRequest
	case errors.As(err, new(domain.RuleViolationError)):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
