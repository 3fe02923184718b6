package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/versions"
)

type createDraftRequest struct {
	PackageType string `json:"package_type"`
	Namespace   string `json:"namespace,omitempty"`
	Name        string `json:"name"`
	Version     string `json:"version"`
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req createDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.Versions.CreateOrReuseDraft(r.Context(), repo.RepoID, req.PackageType, req.Namespace, req.Name, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type upsertEntriesRequest struct {
	Entries []versions.EntryInput `json:"entries"`
}

func (s *Server) handleUpsertEntries(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req upsertEntriesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.Versions.UpsertEntries(r.Context(), repo.RepoID, chi.URLParam(r, "versionID"), req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type putManifestRequest struct {
	PackageType    string          `json:"package_type"`
	Document       json.RawMessage `json:"document"`
	ManifestDigest string          `json:"manifest_digest,omitempty"`
}

func (s *Server) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req putManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Versions.UpsertManifest(r.Context(), repo.RepoID, chi.URLParam(r, "versionID"), req.PackageType, req.Document, req.ManifestDigest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.Store.Manifests().Get(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("manifest", "manifest not found"))
			return
		}
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	p, aerr := requirePrincipal(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	result, err := s.Versions.Publish(r.Context(), p.TenantID, chi.URLParam(r, "versionID"), p.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type tombstoneRequest struct {
	Reason        string `json:"reason"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

func (s *Server) handleTombstone(w http.ResponseWriter, r *http.Request) {
	p, aerr := requirePrincipal(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req tombstoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.Versions.Tombstone(r.Context(), p.TenantID, chi.URLParam(r, "versionID"), req.Reason, p.Subject, req.RetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
