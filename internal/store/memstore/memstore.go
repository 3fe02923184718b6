// Package memstore is an in-memory fake of internal/store.Store, used by
// every domain package's unit tests. It is
// modeled on the teacher's use of an in-process fake alongside the real
// Postgres-backed satellitedb so business logic can be exercised without a
// database. It honors the same locking/uniqueness/idempotency contracts as
// internal/store/postgres, just guarded by a single mutex instead of row
// locks.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sremani/artifortress/internal/store"
)

// DB is the in-memory Store implementation.
type DB struct {
	mu   sync.Mutex
	txMu sync.Mutex

	repos        map[string]*store.Repo // by repoID
	repoByKey    map[string]string      // tenant|key -> repoID
	pats         map[string]*store.PAT
	bindings     map[string]*store.RoleBinding // repoID|subject
	blobs        map[string]*store.Blob
	uploads      map[string]*store.UploadSession
	packages     map[string]*store.Package
	packageIndex map[string]string // repo|type|ns|name -> packageID
	versions     map[string]*store.Version
	versionIndex map[string]string // repo|package|version -> versionID
	entries      map[string]map[string]*store.ArtifactEntry // versionID -> relativePath -> entry
	manifests    map[string]*store.Manifest
	tombstones   map[string]*store.Tombstone
	outbox       map[string]*store.OutboxEvent
	outboxIndex  map[string]bool // tenant|aggType|aggID|eventType
	evaluations  []*store.PolicyEvaluation
	quarantine   map[string]*store.QuarantineItem
	quarantineIdx map[string]string // tenant|repo|version -> quarantineID
	gcRuns       map[string]*store.GCRun
	gcMarks      map[string]map[string]bool // runID -> digest -> true
	audit        []*store.AuditEntry
}

// New constructs an empty in-memory store.
func New() *DB {
	return &DB{
		repos:         map[string]*store.Repo{},
		repoByKey:     map[string]string{},
		pats:          map[string]*store.PAT{},
		bindings:      map[string]*store.RoleBinding{},
		blobs:         map[string]*store.Blob{},
		uploads:       map[string]*store.UploadSession{},
		packages:      map[string]*store.Package{},
		packageIndex:  map[string]string{},
		versions:      map[string]*store.Version{},
		versionIndex:  map[string]string{},
		entries:       map[string]map[string]*store.ArtifactEntry{},
		manifests:     map[string]*store.Manifest{},
		tombstones:    map[string]*store.Tombstone{},
		outbox:        map[string]*store.OutboxEvent{},
		outboxIndex:   map[string]bool{},
		quarantine:    map[string]*store.QuarantineItem{},
		quarantineIdx: map[string]string{},
		gcRuns:        map[string]*store.GCRun{},
		gcMarks:       map[string]map[string]bool{},
	}
}

// WithTx runs fn against the same in-memory DB under its single mutex's
// protection at the call-granularity of each repository method; true
// atomicity across multiple calls within fn is simulated by holding a
// coarse transaction lock (txMu, separate from mu) for the duration of fn.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	return fn(ctx, &txView{db: db})
}

func (db *DB) Ping(ctx context.Context) error { return nil }
func (db *DB) Close() error                   { return nil }

func (db *DB) Repos() store.RepoStore                         { return &repoStore{db} }
func (db *DB) PATs() store.PATStore                            { return &patStore{db} }
func (db *DB) RoleBindings() store.RoleBindingStore            { return &roleBindingStore{db} }
func (db *DB) Blobs() store.BlobStore                          { return &blobStore{db} }
func (db *DB) Uploads() store.UploadStore                      { return &uploadStore{db} }
func (db *DB) Packages() store.PackageStore                    { return &packageStore{db} }
func (db *DB) Versions() store.VersionStore                    { return &versionStore{db} }
func (db *DB) ArtifactEntries() store.ArtifactEntryStore       { return &entryStore{db} }
func (db *DB) Manifests() store.ManifestStore                  { return &manifestStore{db} }
func (db *DB) Tombstones() store.TombstoneStore                { return &tombstoneStore{db} }
func (db *DB) Outbox() store.OutboxStore                       { return &outboxStore{db} }
func (db *DB) PolicyEvaluations() store.PolicyEvaluationStore  { return &policyEvalStore{db} }
func (db *DB) Quarantine() store.QuarantineStore                { return &quarantineStore{db} }
func (db *DB) GCRuns() store.GCRunStore                        { return &gcRunStore{db} }
func (db *DB) Audit() store.AuditStore                         { return &auditStore{db} }

// txView is the Store handle seen inside WithTx; since the transaction lock
// is already held for the duration of fn, its repository accessors are
// identical to db's but calling WithTx again is a reentrant no-op (no
// nested locking).
type txView struct{ db *DB }

func (t *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, t)
}
func (t *txView) Ping(ctx context.Context) error { return nil }
func (t *txView) Close() error                   { return nil }

func (t *txView) Repos() store.RepoStore                        { return &repoStore{t.db} }
func (t *txView) PATs() store.PATStore                           { return &patStore{t.db} }
func (t *txView) RoleBindings() store.RoleBindingStore           { return &roleBindingStore{t.db} }
func (t *txView) Blobs() store.BlobStore                         { return &blobStore{t.db} }
func (t *txView) Uploads() store.UploadStore                     { return &uploadStore{t.db} }
func (t *txView) Packages() store.PackageStore                   { return &packageStore{t.db} }
func (t *txView) Versions() store.VersionStore                   { return &versionStore{t.db} }
func (t *txView) ArtifactEntries() store.ArtifactEntryStore      { return &entryStore{t.db} }
func (t *txView) Manifests() store.ManifestStore                 { return &manifestStore{t.db} }
func (t *txView) Tombstones() store.TombstoneStore               { return &tombstoneStore{t.db} }
func (t *txView) Outbox() store.OutboxStore                      { return &outboxStore{t.db} }
func (t *txView) PolicyEvaluations() store.PolicyEvaluationStore { return &policyEvalStore{t.db} }
func (t *txView) Quarantine() store.QuarantineStore               { return &quarantineStore{t.db} }
func (t *txView) GCRuns() store.GCRunStore                       { return &gcRunStore{t.db} }
func (t *txView) Audit() store.AuditStore                        { return &auditStore{t.db} }

func newID() string { return uuid.NewString() }

// --- repos ------------------------------------------------------------

type repoStore struct{ db *DB }

func (s *repoStore) Insert(ctx context.Context, r *store.Repo) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := r.TenantID + "|" + r.RepoKey
	if _, ok := s.db.repoByKey[key]; ok {
		return store.ErrUniqueViolation
	}
	if r.RepoID == "" {
		r.RepoID = newID()
	}
	cp := *r
	s.db.repos[r.RepoID] = &cp
	s.db.repoByKey[key] = r.RepoID
	return nil
}

func (s *repoStore) GetByKey(ctx context.Context, tenantID, repoKey string) (*store.Repo, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.repoByKey[tenantID+"|"+repoKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.db.repos[id]
	return &cp, nil
}

func (s *repoStore) GetByID(ctx context.Context, repoID string) (*store.Repo, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.repos[repoID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *repoStore) List(ctx context.Context, tenantID string) ([]*store.Repo, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.Repo
	for _, r := range s.db.repos {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoKey < out[j].RepoKey })
	return out, nil
}

func (s *repoStore) Delete(ctx context.Context, repoID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.repos[repoID]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.db.repos, repoID)
	delete(s.db.repoByKey, r.TenantID+"|"+r.RepoKey)
	return nil
}

// --- PATs ---------------------------------------------------------------

type patStore struct{ db *DB }

func (s *patStore) Insert(ctx context.Context, p *store.PAT) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if p.TokenID == "" {
		p.TokenID = newID()
	}
	cp := *p
	s.db.pats[p.TokenID] = &cp
	return nil
}

func (s *patStore) GetActiveByHash(ctx context.Context, tokenHash string) (*store.PAT, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, p := range s.db.pats {
		if p.TokenHash == tokenHash {
			if p.RevokedAt != nil {
				return nil, store.ErrNotFound
			}
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *patStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.pats[tokenID]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	p.RevokedAt = &t
	return nil
}

func (s *patStore) CountActiveForTenant(ctx context.Context, tenantID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, p := range s.db.pats {
		if p.TenantID == tenantID && p.RevokedAt == nil {
			n++
		}
	}
	return n, nil
}

// --- role bindings --------------------------------------------------------

type roleBindingStore struct{ db *DB }

func (s *roleBindingStore) Upsert(ctx context.Context, b *store.RoleBinding) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *b
	s.db.bindings[b.RepoID+"|"+b.Subject] = &cp
	return nil
}

func (s *roleBindingStore) Get(ctx context.Context, repoID, subject string) (*store.RoleBinding, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bindings[repoID+"|"+subject]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *roleBindingStore) ListForSubject(ctx context.Context, subject string) ([]*store.RoleBinding, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.RoleBinding
	for _, b := range s.db.bindings {
		if b.Subject == subject {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}
