// Package httpapi is the thin HTTP transport of §6: a go-chi/chi/v5
// router mounting handlers that decode a request, call one pkg/* service,
// and render the result (or an *apierr.Error) as JSON. No business logic
// lives here — every invariant is enforced by the package it delegates to.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/audit"
	"github.com/sremani/artifortress/pkg/authn"
	"github.com/sremani/artifortress/pkg/blobs"
	"github.com/sremani/artifortress/pkg/gc"
	"github.com/sremani/artifortress/pkg/policy"
	"github.com/sremani/artifortress/pkg/reconcile"
	"github.com/sremani/artifortress/pkg/repos"
	"github.com/sremani/artifortress/pkg/upload"
	"github.com/sremani/artifortress/pkg/versions"
)

// Server holds every collaborator a handler needs. It is built once at
// startup and never mutated, per §9's "avoid global mutable state".
type Server struct {
	Store       store.Store
	Resolver    *authn.Resolver
	SAML        *authn.SAMLHandler // nil if SAML is disabled
	Repos       *repos.Service
	Uploads     *upload.Engine
	BlobIndex   *blobs.Index
	BlobReader  *blobs.Reader
	Versions    *versions.Service
	Policy      *policy.Gate
	GC          *gc.Runner
	Audit       *audit.Logger
	Reconciler  *reconcile.Reconciler
	Log         *zap.Logger

	BootstrapSecret string

	// Ready reports whether dependencies (DB, object store) are healthy;
	// consulted by GET /health/ready.
	Ready func(r *http.Request) error
}

// Routes builds the full route table of §6.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authenticate)

		v1.Get("/auth/whoami", s.handleWhoami)
		v1.Post("/auth/pats", s.handleIssuePAT)
		v1.Post("/auth/pats/revoke", s.requireGlobalAdmin(s.handleRevokePAT))
		v1.Get("/auth/saml/metadata", s.handleSAMLMetadata)
		v1.Post("/auth/saml/acs", s.handleSAMLACS)

		v1.Route("/repos", func(rr chi.Router) {
			rr.Post("/", s.requireGlobalAdmin(s.handleCreateRepo))
			rr.Get("/", s.requireAnyRole(store.RoleRead, s.handleListRepos))
			rr.Get("/{repoKey}", s.requireRepoRole(store.RoleRead, s.handleGetRepo))
			rr.Delete("/{repoKey}", s.requireRepoRole(store.RoleAdmin, s.handleDeleteRepo))
			rr.Put("/{repoKey}/bindings/{subject}", s.requireRepoRole(store.RoleAdmin, s.handlePutBinding))
			rr.Get("/{repoKey}/bindings/{subject}", s.requireRepoRole(store.RoleAdmin, s.handleGetBinding))

			rr.Post("/{repoKey}/uploads", s.requireRepoRole(store.RoleWrite, s.handleCreateUpload))
			rr.Post("/{repoKey}/uploads/{uploadID}/parts", s.requireRepoRole(store.RoleWrite, s.handlePresignPart))
			rr.Post("/{repoKey}/uploads/{uploadID}/complete", s.requireRepoRole(store.RoleWrite, s.handleCompleteParts))
			rr.Post("/{repoKey}/uploads/{uploadID}/abort", s.requireRepoRole(store.RoleWrite, s.handleAbortUpload))
			rr.Post("/{repoKey}/uploads/{uploadID}/commit", s.requireRepoRole(store.RoleWrite, s.handleCommitUpload))

			rr.Get("/{repoKey}/blobs/{digest}", s.requireRepoRole(store.RoleRead, s.handleGetBlob))

			rr.Post("/{repoKey}/versions/drafts", s.requireRepoRole(store.RoleWrite, s.handleCreateDraft))
			rr.Post("/{repoKey}/versions/{versionID}/entries", s.requireRepoRole(store.RoleWrite, s.handleUpsertEntries))
			rr.Put("/{repoKey}/versions/{versionID}/manifest", s.requireRepoRole(store.RoleWrite, s.handlePutManifest))
			rr.Get("/{repoKey}/versions/{versionID}/manifest", s.requireRepoRole(store.RoleRead, s.handleGetManifest))
			rr.Post("/{repoKey}/versions/{versionID}/publish", s.requireRepoRole(store.RolePromote, s.handlePublish))
			rr.Post("/{repoKey}/versions/{versionID}/tombstone", s.requireRepoRole(store.RolePromote, s.handleTombstone))

			rr.Post("/{repoKey}/policy/evaluations", s.requireRepoRole(store.RolePromote, s.handleEvaluatePolicy))
			rr.Get("/{repoKey}/quarantine", s.requireRepoRole(store.RolePromote, s.handleGetQuarantineByVersion))
			rr.Post("/{repoKey}/quarantine/{quarantineID}/release", s.requireRepoRole(store.RolePromote, s.handleReleaseQuarantine))
			rr.Post("/{repoKey}/quarantine/{quarantineID}/reject", s.requireRepoRole(store.RolePromote, s.handleRejectQuarantine))
		})

		v1.Route("/admin", func(ar chi.Router) {
			ar.Use(s.requireGlobalAdminMiddleware)
			ar.Post("/gc/runs", s.handleRunGC)
			ar.Get("/ops/summary", s.handleOpsSummary)
			ar.Get("/reconcile/blobs", s.handleReconcileBlobs)
		})
		v1.Get("/audit", s.requireGlobalAdmin(s.handleListAudit))
	})

	return r
}
