package httpapi

import (
	"net/http"
	"strconv"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/gc"
)

type runGCRequest struct {
	Mode       string `json:"mode"`
	GraceHours int    `json:"grace_hours,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

func (s *Server) handleRunGC(w http.ResponseWriter, r *http.Request) {
	var req runGCRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode := store.GCMode(req.Mode)
	if mode != store.GCDryRun && mode != store.GCExecute {
		writeError(w, apierr.Validation("mode", "mode must be dry_run or execute"))
		return
	}
	run, err := s.GC.Run(r.Context(), gc.Options{Mode: mode, GraceHours: req.GraceHours, BatchSize: req.BatchSize})
	if err != nil {
		writeError(w, apierr.Unavailable("gc_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleOpsSummary(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	summary, err := s.Reconciler.OpsSummary(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReconcileBlobs(w http.ResponseWriter, r *http.Request) {
	sampleLimit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			sampleLimit = n
		}
	}
	report, err := s.Reconciler.ConsistencyReport(r.Context(), sampleLimit)
	if err != nil {
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.Audit.List(r.Context(), p.TenantID, limit)
	if err != nil {
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
