package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sremani/artifortress/internal/objectstore"
)

type createUploadRequest struct {
	Digest string `json:"digest"`
	Length int64  `json:"length"`
}

type createUploadResponse struct {
	UploadID string `json:"upload_id"`
	State    string `json:"state"`
	Deduped  bool   `json:"deduped"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, deduped, err := s.Uploads.CreateSession(r.Context(), p.TenantID, repo.RepoID, repo.RepoKey, req.Digest, req.Length)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUploadResponse{UploadID: sess.UploadID, State: string(sess.State), Deduped: deduped})
}

type presignPartRequest struct {
	PartNumber int `json:"part_number"`
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) handlePresignPart(w http.ResponseWriter, r *http.Request) {
	var req presignPartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	part, err := s.Uploads.PresignPart(r.Context(), chi.URLParam(r, "uploadID"), req.PartNumber, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

type completePartsRequest struct {
	Parts []objectstore.Part `json:"parts"`
}

func (s *Server) handleCompleteParts(w http.ResponseWriter, r *http.Request) {
	var req completePartsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Uploads.CompleteParts(r.Context(), chi.URLParam(r, "uploadID"), req.Parts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type abortUploadRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	var req abortUploadRequest
	_ = decodeJSON(r, &req) // reason is optional; malformed/empty body is fine
	sess, err := s.Uploads.Abort(r.Context(), chi.URLParam(r, "uploadID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCommitUpload(w http.ResponseWriter, r *http.Request) {
	sess, aerr := s.Uploads.Commit(r.Context(), chi.URLParam(r, "uploadID"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
