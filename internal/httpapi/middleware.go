package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/authn"
)

type ctxKey int

const principalCtxKey ctxKey = iota

func principalFrom(ctx context.Context) *authn.Principal {
	p, _ := ctx.Value(principalCtxKey).(*authn.Principal)
	return p
}

// authenticate resolves the bearer token (if any) into a Principal and
// stores it on the request context. It does not itself reject a missing
// token: some v1 routes (PAT bootstrap) are reachable without one, and
// report KindUnauthenticated only once a handler actually needs a
// principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}

		ctx := r.Context()
		if token != "" {
			principal, err := s.Resolver.Resolve(ctx, token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx = context.WithValue(ctx, principalCtxKey, principal)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRepoRole wraps handler, requiring the authenticated principal to
// hold required on the {repoKey} path parameter.
func (s *Server) requireRepoRole(required store.Role, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		repoKey := chi.URLParam(r, "repoKey")
		if err := authn.RequireRole(principal, repoKey, required); err != nil {
			writeError(w, err)
			return
		}
		handler(w, r)
	}
}

// requireGlobalAdmin wraps handler, requiring `*:admin`.
func (s *Server) requireGlobalAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return s.requireRepoRole(store.RoleAdmin, handler)
}

// requireAnyRole wraps handler, requiring the authenticated principal to
// hold required on at least one repo — for tenant-scoped operations (repo
// listing) that have no single {repoKey} to check a scope against.
func (s *Server) requireAnyRole(required store.Role, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if err := authn.RequireAnyRole(principal, required); err != nil {
			writeError(w, err)
			return
		}
		handler(w, r)
	}
}

func (s *Server) requireGlobalAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if err := authn.RequireRole(principal, "*", store.RoleAdmin); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requirePrincipal(r *http.Request) (*authn.Principal, *apierr.Error) {
	p := principalFrom(r.Context())
	if p == nil {
		return nil, apierr.Unauthenticated("missing bearer token")
	}
	return p, nil
}
