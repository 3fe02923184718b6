package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/objectstore"
)

// parseRange implements the "supports single bytes range" note of §6:
// multi-range and suffix ranges are rejected with 400 here, before ever
// reaching the object store.
func parseRange(header string) (*objectstore.ByteRange, *apierr.Error) {
	if header == "" {
		return nil, nil
	}
	if strings.Contains(header, ",") {
		return nil, apierr.Validation("range", "multi-range requests are not supported")
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header {
		return nil, apierr.Validation("range", "range header must use the bytes unit")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, apierr.Validation("range", "suffix ranges are not supported")
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return nil, apierr.Validation("range", "invalid range start")
	}
	end := int64(-1)
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return nil, apierr.Validation("range", "invalid range end")
		}
	}
	return &objectstore.ByteRange{Start: start, End: end}, nil
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	p, _ := requirePrincipal(r)
	repo, aerr := s.lookupRepo(r, p.TenantID, chi.URLParam(r, "repoKey"))
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	byteRange, rerr := parseRange(r.Header.Get("Range"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}

	obj, err := s.BlobReader.Get(r.Context(), repo.RepoID, chi.URLParam(r, "digest"), byteRange)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = obj.Release() }()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.ETag != "" {
		w.Header().Set("ETag", obj.ETag)
	}
	if obj.ContentRange != "" {
		w.Header().Set("Content-Range", obj.ContentRange)
		w.Header().Set("Accept-Ranges", "bytes")
	}
	status := obj.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, obj.Stream)
}
