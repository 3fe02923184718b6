// Package authn is Identity & Authorization (§4.A): bearer-credential
// parsing, principal resolution against hashed PATs or a federated OIDC
// token, the uniform repo-scoped role check, and bootstrap-gated PAT
// issuance. Grounded on the teacher's auth middleware shape (a resolver
// that turns a request header into a principal, then a separate,
// side-effect-free scope predicate the caller applies per endpoint) —
// mirrored from how satellite/console's auth package separates "who is
// this" from "are they allowed to do X".
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("authn")

// Source names where a Principal's identity was established.
type Source string

const (
	SourcePAT  Source = "pat"
	SourceOIDC Source = "oidc"
	SourceSAML Source = "saml"
)

// Principal is the resolved caller: a tenant-scoped subject carrying a set
// of repo scopes in `repo_key:role` or `*:admin` form.
type Principal struct {
	TenantID string
	Subject  string
	Scopes   []string
	Source   Source
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Resolver resolves bearer credentials to a Principal.
type Resolver struct {
	store store.Store
	oidc  *OIDCVerifier // nil disables OIDC verification
	now   Clock
}

// NewResolver constructs a Resolver. oidc may be nil if OIDC federation is
// not configured.
func NewResolver(st store.Store, oidc *OIDCVerifier) *Resolver {
	return &Resolver{store: st, oidc: oidc, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the resolver's clock; used by tests.
func (r *Resolver) WithClock(clock Clock) *Resolver {
	r.now = clock
	return r
}

// HashToken returns the lowercase-hex SHA-256 of a PAT's plaintext. PATs
// are looked up and stored by this hash; the plaintext itself is never
// persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseBearer extracts the token from an `Authorization: Bearer <token>`
// header value. Returns "" if the header doesn't carry a bearer token.
func ParseBearer(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Resolve implements §4.A principal resolution: a PAT lookup by hash
// first, falling back to OIDC JWT verification if configured and the PAT
// lookup misses.
func (r *Resolver) Resolve(ctx context.Context, bearerToken string) (*Principal, error) {
	if bearerToken == "" {
		return nil, apierr.Unauthenticated("missing bearer token")
	}

	hash := HashToken(bearerToken)
	pat, err := r.store.PATs().GetActiveByHash(ctx, hash)
	if err == nil {
		if !pat.ExpiresAt.IsZero() && !pat.ExpiresAt.After(r.now()) {
			return nil, apierr.Unauthenticated("token expired")
		}
		return &Principal{TenantID: pat.TenantID, Subject: pat.Subject, Scopes: pat.Scopes, Source: SourcePAT}, nil
	}
	if err != store.ErrNotFound {
		return nil, apierr.Unavailable("store_error", err.Error())
	}

	if r.oidc != nil {
		principal, verr := r.oidc.Verify(ctx, bearerToken, r.now())
		if verr == nil {
			return principal, nil
		}
		return nil, verr
	}

	return nil, apierr.Unauthenticated("invalid or unknown token")
}

// hasRole implements §4.A's scope check over a single scope string.
func hasRole(scope, repoKey string, required store.Role) bool {
	parts := strings.SplitN(scope, ":", 2)
	if len(parts) != 2 {
		return false
	}
	scopeRepo, role := parts[0], store.Role(parts[1])

	if scopeRepo == "*" {
		return role == store.RoleAdmin // *:admin satisfies any required role
	}
	if scopeRepo != repoKey {
		return false
	}
	switch role {
	case store.RoleAdmin:
		return true // admin implies read/write/admin/promote on that repo
	case store.RolePromote:
		return required == store.RoleRead || required == store.RolePromote
	case store.RoleWrite:
		return required == store.RoleRead || required == store.RoleWrite
	case store.RoleRead:
		return required == store.RoleRead
	default:
		return false
	}
}

// HasRole reports whether scopes satisfies required on repoKey, per §4.A.
func HasRole(scopes []string, repoKey string, required store.Role) bool {
	for _, s := range scopes {
		if hasRole(s, repoKey, required) {
			return true
		}
	}
	return false
}

// RequireRole is the guarded-call entry point every privileged operation
// calls: it returns a 403 apierr.Error if the principal lacks required on
// repoKey.
func RequireRole(p *Principal, repoKey string, required store.Role) error {
	if p == nil {
		return apierr.Unauthenticated("no principal")
	}
	if !HasRole(p.Scopes, repoKey, required) {
		return apierr.Forbidden("principal lacks required role " + string(required) + " on " + repoKey)
	}
	return nil
}

// HasAnyRole reports whether scopes grants required on some repo (or via
// `*:admin`), for tenant-scoped operations (listing repos) that have no
// single {repoKey} to check a scope against.
func HasAnyRole(scopes []string, required store.Role) bool {
	for _, s := range scopes {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if hasRole(s, parts[0], required) {
			return true
		}
	}
	return false
}

// RequireAnyRole is RequireRole's counterpart for tenant-scoped operations.
func RequireAnyRole(p *Principal, required store.Role) error {
	if p == nil {
		return apierr.Unauthenticated("no principal")
	}
	if !HasAnyRole(p.Scopes, required) {
		return apierr.Forbidden("principal lacks required role " + string(required) + " on any repo")
	}
	return nil
}

const (
	minIssueTTL = 5 * time.Minute
	maxIssueTTL = 24 * time.Hour
)

// IssuePAT implements §4.A "Bootstrap": the first PAT for a tenant may be
// issued with a matching bootstrap header; thereafter issuance requires
// either a `*:admin` principal or the bootstrap header, compared in
// constant time.
func (r *Resolver) IssuePAT(ctx context.Context, tenantID, subject string, scopes []string, ttl time.Duration, requester *Principal, bootstrapHeader, configuredSecret string) (*store.PAT, string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if ttl < minIssueTTL {
		ttl = minIssueTTL
	}
	if ttl > maxIssueTTL {
		ttl = maxIssueTTL
	}

	authorized := false
	if configuredSecret != "" && bootstrapHeader != "" && constantTimeEqual(bootstrapHeader, configuredSecret) {
		authorized = true
	}
	if !authorized && requester != nil && HasRole(requester.Scopes, "*", store.RoleAdmin) {
		authorized = true
	}
	if !authorized {
		return nil, "", apierr.Forbidden("PAT issuance requires bootstrap header or *:admin")
	}

	plaintext := uuid.NewString() + uuid.NewString()
	now := r.now()
	pat := &store.PAT{
		TenantID:  tenantID,
		Subject:   subject,
		TokenHash: HashToken(plaintext),
		Scopes:    scopes,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := r.store.PATs().Insert(ctx, pat); err != nil {
		return nil, "", apierr.Unavailable("store_error", err.Error())
	}
	return pat, plaintext, nil
}

// DeriveScopes resolves RoleBinding rows for subject into PAT scope
// strings, used when a PAT is issued without explicit scopes (§3 Role
// Binding "may derive scopes"). Each binding's roles on its repo becomes
// one `repo_key:role` scope per role.
func DeriveScopes(ctx context.Context, st store.Store, subject string) ([]string, error) {
	bindings, err := st.RoleBindings().ListForSubject(ctx, subject)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var scopes []string
	for _, b := range bindings {
		repo, err := st.Repos().GetByID(ctx, b.RepoID)
		if err != nil {
			continue
		}
		for _, role := range b.Roles {
			scopes = append(scopes, repo.RepoKey+":"+string(role))
		}
	}
	return scopes, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// still run a comparison of equal length to avoid leaking length
		// via early-return timing; compare against a itself.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
