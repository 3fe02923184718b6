// Package repos is repository administration: creation and validation of
// §3 Repository rows, including the virtual-repository member-list checks
// (existence, no self-reference, no cycles) that spec.md assigns to the
// Repository entity without giving it a dedicated component. Grounded on
// the teacher's satellite/console project/bucket validation style — a
// service wrapping a store with validation ahead of every write.
package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("repos")

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements repository creation and member-list validation.
type Service struct {
	store store.Store
	now   Clock
}

// New constructs a Service.
func New(st store.Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the service's clock; used by tests.
func (s *Service) WithClock(clock Clock) *Service {
	s.now = clock
	return s
}

// CreateLocal creates a `local` repository: no upstream, no members.
func (s *Service) CreateLocal(ctx context.Context, tenantID, repoKey string) (*store.Repo, error) {
	if repoKey == "" {
		return nil, apierr.Validation("repo_key", "repo_key is required")
	}
	r := &store.Repo{
		RepoID: uuid.NewString(), TenantID: tenantID, RepoKey: repoKey,
		RepoType: store.RepoTypeLocal, CreatedAt: s.now(),
	}
	if err := s.store.Repos().Insert(ctx, r); err != nil {
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	return r, nil
}

// CreateRemote creates a `remote` repository proxying an upstream URL.
func (s *Service) CreateRemote(ctx context.Context, tenantID, repoKey, upstreamURL string) (*store.Repo, error) {
	if repoKey == "" {
		return nil, apierr.Validation("repo_key", "repo_key is required")
	}
	if upstreamURL == "" {
		return nil, apierr.Validation("upstream_url", "upstream_url is required for a remote repository")
	}
	r := &store.Repo{
		RepoID: uuid.NewString(), TenantID: tenantID, RepoKey: repoKey,
		RepoType: store.RepoTypeRemote, UpstreamURL: upstreamURL, CreatedAt: s.now(),
	}
	if err := s.store.Repos().Insert(ctx, r); err != nil {
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	return r, nil
}

// CreateVirtual creates a `virtual` repository backed by an ordered list of
// member repo keys, per spec.md §3: members must exist, the repo must not
// reference itself, and the member graph must not contain a cycle.
func (s *Service) CreateVirtual(ctx context.Context, tenantID, repoKey string, memberKeys []string) (*store.Repo, error) {
	if repoKey == "" {
		return nil, apierr.Validation("repo_key", "repo_key is required")
	}
	if len(memberKeys) == 0 {
		return nil, apierr.Validation("member_keys", "a virtual repository needs at least one member")
	}
	if err := s.validateMembers(ctx, tenantID, repoKey, memberKeys); err != nil {
		return nil, err
	}

	r := &store.Repo{
		RepoID: uuid.NewString(), TenantID: tenantID, RepoKey: repoKey,
		RepoType: store.RepoTypeVirtual, MemberKeys: memberKeys, CreatedAt: s.now(),
	}
	if err := s.store.Repos().Insert(ctx, r); err != nil {
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	return r, nil
}

// validateMembers enforces: no self-reference, every member exists, and
// the member graph (virtual repos may point at other virtual repos) has
// no cycle back to repoKey.
func (s *Service) validateMembers(ctx context.Context, tenantID, repoKey string, memberKeys []string) error {
	seen := map[string]bool{}
	for _, m := range memberKeys {
		if m == repoKey {
			return apierr.Validation("member_keys", "a virtual repository cannot reference itself")
		}
		if seen[m] {
			return apierr.Validation("member_keys", "duplicate member key "+m)
		}
		seen[m] = true
	}

	for _, m := range memberKeys {
		if err := s.checkNoCycle(ctx, tenantID, repoKey, m, map[string]bool{repoKey: true}); err != nil {
			return err
		}
	}
	return nil
}

// checkNoCycle walks from member memberKey outward through any virtual
// repos it transitively references, failing if it ever reaches back to
// one of the keys already on the path (visited).
func (s *Service) checkNoCycle(ctx context.Context, tenantID, rootKey, memberKey string, visited map[string]bool) error {
	member, err := s.store.Repos().GetByKey(ctx, tenantID, memberKey)
	if err != nil {
		if err == store.ErrNotFound {
			return apierr.Validation("member_keys", "member repository "+memberKey+" does not exist")
		}
		return apierr.Unavailable("store_error", err.Error())
	}
	if visited[member.RepoKey] {
		return apierr.Validation("member_keys", "cycle detected through member "+member.RepoKey)
	}
	if member.RepoType != store.RepoTypeVirtual {
		return nil
	}

	next := make(map[string]bool, len(visited)+1)
	for k := range visited {
		next[k] = true
	}
	next[member.RepoKey] = true

	for _, grandchild := range member.MemberKeys {
		if grandchild == rootKey {
			return apierr.Validation("member_keys", "cycle detected through member "+member.RepoKey)
		}
		if err := s.checkNoCycle(ctx, tenantID, rootKey, grandchild, next); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the repository identified by tenantID/repoKey.
func (s *Service) Get(ctx context.Context, tenantID, repoKey string) (*store.Repo, error) {
	r, err := s.store.Repos().GetByKey(ctx, tenantID, repoKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("repo", "repository not found")
		}
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	return r, nil
}

// List returns every repository for tenantID.
func (s *Service) List(ctx context.Context, tenantID string) ([]*store.Repo, error) {
	rs, err := s.store.Repos().List(ctx, tenantID)
	if err != nil {
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	return rs, nil
}

// ResolveMembers flattens a virtual repository's member list into the
// ordered set of `local`/`remote` repos it ultimately reads through,
// de-duplicating repeated references and expanding nested virtual repos
// in member order. Used by the read path when a virtual repo is queried.
func (s *Service) ResolveMembers(ctx context.Context, tenantID string, r *store.Repo) ([]*store.Repo, error) {
	if r.RepoType != store.RepoTypeVirtual {
		return []*store.Repo{r}, nil
	}
	var out []*store.Repo
	seen := map[string]bool{}
	var walk func(repoKey string) error
	walk = func(repoKey string) error {
		m, err := s.store.Repos().GetByKey(ctx, tenantID, repoKey)
		if err != nil {
			return err
		}
		if m.RepoType != store.RepoTypeVirtual {
			if !seen[m.RepoKey] {
				seen[m.RepoKey] = true
				out = append(out, m)
			}
			return nil
		}
		for _, child := range m.MemberKeys {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range r.MemberKeys {
		if err := walk(m); err != nil {
			return nil, apierr.Unavailable("store_error", err.Error())
		}
	}
	return out, nil
}
