package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/policy"
)

type evaluatePolicyRequest struct {
	VersionID           string `json:"version_id"`
	Action              string `json:"action"`
	Hint                string `json:"hint,omitempty"`
	PolicyEngineVersion string `json:"policy_engine_version,omitempty"`
}

func (s *Server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	p, aerr := requirePrincipal(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req evaluatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	eval, err := s.Policy.Evaluate(r.Context(), p.TenantID, repo.RepoID, req.VersionID, policy.EvalInput{
		RepoID:              repo.RepoID,
		VersionID:           req.VersionID,
		Action:              store.PolicyAction(req.Action),
		Hint:                req.Hint,
		PolicyEngineVersion: req.PolicyEngineVersion,
	}, p.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eval)
}

func (s *Server) handleGetQuarantineByVersion(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	versionID := r.URL.Query().Get("version_id")
	if versionID == "" {
		writeError(w, apierr.Validation("version_id", "version_id query parameter is required"))
		return
	}
	item, err := s.Store.Quarantine().GetByVersion(r.Context(), p.TenantID, repo.RepoID, versionID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("quarantine", "no quarantine item for this version"))
			return
		}
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type resolveQuarantineRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	s.resolveQuarantine(w, r, policy.ResolveRelease)
}

func (s *Server) handleRejectQuarantine(w http.ResponseWriter, r *http.Request) {
	s.resolveQuarantine(w, r, policy.ResolveReject)
}

func (s *Server) resolveQuarantine(w http.ResponseWriter, r *http.Request, action policy.ResolveAction) {
	p, aerr := requirePrincipal(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	item, err := s.Policy.Resolve(r.Context(), chi.URLParam(r, "quarantineID"), action, p.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
