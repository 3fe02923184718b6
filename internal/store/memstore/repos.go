package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/sremani/artifortress/internal/store"
)

// --- blobs ----------------------------------------------------------------

type blobStore struct{ db *DB }

func (s *blobStore) UpsertWithLengthCheck(ctx context.Context, digest string, length int64, storageKey, etag string) (*store.Blob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if existing, ok := s.db.blobs[digest]; ok {
		if existing.Length != length {
			return nil, store.Error.New("blob %s exists with length %d, got %d", digest, existing.Length, length)
		}
		if etag != "" && existing.ObjectETag == "" {
			existing.ObjectETag = etag
		}
		cp := *existing
		return &cp, nil
	}
	b := &store.Blob{Digest: digest, Length: length, StorageKey: storageKey, ObjectETag: etag, CreatedAt: time.Now().UTC()}
	s.db.blobs[digest] = b
	cp := *b
	return &cp, nil
}

func (s *blobStore) Get(ctx context.Context, digest string) (*store.Blob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.blobs[digest]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *blobStore) Exists(ctx context.Context, digest string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, ok := s.db.blobs[digest]
	return ok, nil
}

func (s *blobStore) CommittedInRepo(ctx context.Context, repoID, digest string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range s.db.uploads {
		if u.RepoID == repoID && u.State == store.UploadCommitted && u.CommittedBlobDigest == digest {
			return true, nil
		}
	}
	return false, nil
}

func (s *blobStore) ListOrphanCandidates(ctx context.Context, runID string, cutoff time.Time, limit int) ([]*store.Blob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	marks := s.db.gcMarks[runID]
	var out []*store.Blob
	for digest, b := range s.db.blobs {
		if marks != nil && marks[digest] {
			continue
		}
		if b.CreatedAt.After(cutoff) {
			continue
		}
		referenced := false
		for _, entries := range s.db.entries {
			for _, e := range entries {
				if e.BlobDigest == digest {
					referenced = true
					break
				}
			}
			if referenced {
				break
			}
		}
		if !referenced {
			for _, m := range s.db.manifests {
				if m.ManifestDigest == digest {
					referenced = true
					break
				}
			}
		}
		if referenced {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *blobStore) Delete(ctx context.Context, digest string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.blobs, digest)
	return nil
}

func (s *blobStore) ListAll(ctx context.Context) ([]*store.Blob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.Blob
	for _, b := range s.db.blobs {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// --- uploads ----------------------------------------------------------------

type uploadStore struct{ db *DB }

func (s *uploadStore) Insert(ctx context.Context, sess *store.UploadSession) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if sess.UploadID == "" {
		sess.UploadID = newID()
	}
	cp := *sess
	s.db.uploads[sess.UploadID] = &cp
	return nil
}

func (s *uploadStore) Get(ctx context.Context, uploadID string) (*store.UploadSession, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.uploads[uploadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *uploadStore) TransitionState(ctx context.Context, uploadID string, fromState, toState store.UploadState, mutate func(*store.UploadSession)) (*store.UploadSession, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.uploads[uploadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.State != fromState {
		return nil, store.ErrNoRowsUpdated
	}
	u.State = toState
	u.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(u)
	}
	cp := *u
	return &cp, nil
}

func (s *uploadStore) ListExpired(ctx context.Context, asOf time.Time) ([]*store.UploadSession, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.UploadSession
	for _, u := range s.db.uploads {
		if u.ExpiresAt.Before(asOf) && u.State != store.UploadCommitted && u.State != store.UploadAborted {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *uploadStore) ClearCommittedDigestReferences(ctx context.Context, digests []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	set := map[string]bool{}
	for _, d := range digests {
		set[d] = true
	}
	for _, u := range s.db.uploads {
		if set[u.CommittedBlobDigest] {
			u.CommittedBlobDigest = ""
		}
	}
	return nil
}

// --- packages ---------------------------------------------------------------

type packageStore struct{ db *DB }

func packageKey(repoID, packageType, namespace, name string) string {
	return repoID + "|" + packageType + "|" + namespace + "|" + name
}

func (s *packageStore) UpsertGet(ctx context.Context, repoID, packageType, namespace, name string) (*store.Package, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := packageKey(repoID, packageType, namespace, name)
	if id, ok := s.db.packageIndex[key]; ok {
		cp := *s.db.packages[id]
		return &cp, nil
	}
	p := &store.Package{PackageID: newID(), RepoID: repoID, PackageType: packageType, Namespace: namespace, Name: name}
	s.db.packages[p.PackageID] = p
	s.db.packageIndex[key] = p.PackageID
	cp := *p
	return &cp, nil
}

func (s *packageStore) Get(ctx context.Context, packageID string) (*store.Package, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.packages[packageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- versions -----------------------------------------------------------

type versionStore struct{ db *DB }

func versionKey(repoID, packageID, version string) string {
	return repoID + "|" + packageID + "|" + version
}

func (s *versionStore) InsertDraft(ctx context.Context, v *store.Version) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := versionKey(v.RepoID, v.PackageID, v.Version)
	if _, ok := s.db.versionIndex[key]; ok {
		return store.ErrUniqueViolation
	}
	if v.VersionID == "" {
		v.VersionID = newID()
	}
	cp := *v
	s.db.versions[v.VersionID] = &cp
	s.db.versionIndex[key] = v.VersionID
	return nil
}

func (s *versionStore) GetByTriple(ctx context.Context, repoID, packageID, version string) (*store.Version, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.versionIndex[versionKey(repoID, packageID, version)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.db.versions[id]
	return &cp, nil
}

func (s *versionStore) LockForUpdate(ctx context.Context, versionID string) (*store.Version, error) {
	// The in-memory store's coarse transaction lock (held for the duration
	// of WithTx) stands in for SELECT ... FOR UPDATE.
	v, ok := s.db.versions[versionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *versionStore) Update(ctx context.Context, v *store.Version) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.versions[v.VersionID]; !ok {
		return store.ErrNotFound
	}
	cp := *v
	s.db.versions[v.VersionID] = &cp
	return nil
}

func (s *versionStore) Get(ctx context.Context, versionID string) (*store.Version, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	v, ok := s.db.versions[versionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *versionStore) ListTombstonedPastRetention(ctx context.Context, asOf time.Time, limit int) ([]*store.Version, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.Version
	for _, v := range s.db.versions {
		if v.State != store.VersionTombstoned {
			continue
		}
		ts, ok := s.db.tombstones[v.VersionID]
		if !ok || ts.RetentionUntil.After(asOf) {
			continue
		}
		cp := *v
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *versionStore) DeleteBatch(ctx context.Context, versionIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range versionIDs {
		if v, ok := s.db.versions[id]; ok {
			delete(s.db.versionIndex, versionKey(v.RepoID, v.PackageID, v.Version))
			delete(s.db.versions, id)
			delete(s.db.entries, id)
			delete(s.db.manifests, id)
			delete(s.db.tombstones, id)
		}
	}
	return nil
}

// --- artifact entries -------------------------------------------------------

type entryStore struct{ db *DB }

func (s *entryStore) Upsert(ctx context.Context, e *store.ArtifactEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.entries[e.VersionID]
	if !ok {
		m = map[string]*store.ArtifactEntry{}
		s.db.entries[e.VersionID] = m
	}
	cp := *e
	m[e.RelativePath] = &cp
	return nil
}

func (s *entryStore) ListForVersion(ctx context.Context, versionID string) ([]*store.ArtifactEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.ArtifactEntry
	for _, e := range s.db.entries[versionID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (s *entryStore) CountForVersion(ctx context.Context, versionID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return len(s.db.entries[versionID]), nil
}

func (s *entryStore) ListLiveDigests(ctx context.Context, asOf time.Time) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	set := map[string]bool{}
	for versionID, entries := range s.db.entries {
		if !s.isAliveLocked(versionID, asOf) {
			continue
		}
		for _, e := range entries {
			set[e.BlobDigest] = true
		}
	}
	var out []string
	for d := range set {
		out = append(out, d)
	}
	return out, nil
}

func (s *entryStore) isAliveLocked(versionID string, asOf time.Time) bool {
	v, ok := s.db.versions[versionID]
	if !ok {
		return false
	}
	if v.State != store.VersionTombstoned {
		return true
	}
	ts, ok := s.db.tombstones[versionID]
	if !ok {
		return true
	}
	return ts.RetentionUntil.After(asOf)
}

func (s *entryStore) FindByDigestInRepo(ctx context.Context, repoID, digest string) ([]*store.ArtifactEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.ArtifactEntry
	for versionID, entries := range s.db.entries {
		v, ok := s.db.versions[versionID]
		if !ok || v.RepoID != repoID {
			continue
		}
		for _, e := range entries {
			if e.BlobDigest == digest {
				cp := *e
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// --- manifests --------------------------------------------------------------

type manifestStore struct{ db *DB }

func (s *manifestStore) Upsert(ctx context.Context, m *store.Manifest) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *m
	s.db.manifests[m.VersionID] = &cp
	return nil
}

func (s *manifestStore) Get(ctx context.Context, versionID string) (*store.Manifest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.manifests[versionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *manifestStore) Exists(ctx context.Context, versionID string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, ok := s.db.manifests[versionID]
	return ok, nil
}

func (s *manifestStore) ListLiveManifestDigests(ctx context.Context, asOf time.Time) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	es := &entryStore{db: s.db}
	set := map[string]bool{}
	for versionID, m := range s.db.manifests {
		if m.ManifestDigest == "" {
			continue
		}
		if !es.isAliveLocked(versionID, asOf) {
			continue
		}
		set[m.ManifestDigest] = true
	}
	var out []string
	for d := range set {
		out = append(out, d)
	}
	return out, nil
}

// --- tombstones ---------------------------------------------------------

type tombstoneStore struct{ db *DB }

func (s *tombstoneStore) Upsert(ctx context.Context, t *store.Tombstone) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *t
	s.db.tombstones[t.VersionID] = &cp
	return nil
}

func (s *tombstoneStore) Get(ctx context.Context, versionID string) (*store.Tombstone, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tombstones[versionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// --- outbox ---------------------------------------------------------------

type outboxStore struct{ db *DB }

func outboxKey(tenantID, aggType, aggID, eventType string) string {
	return tenantID + "|" + aggType + "|" + aggID + "|" + eventType
}

func (s *outboxStore) InsertIfAbsent(ctx context.Context, e *store.OutboxEvent) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := outboxKey(e.TenantID, e.AggregateType, e.AggregateID, e.EventType)
	if s.db.outboxIndex[key] {
		return false, nil
	}
	if e.EventID == "" {
		e.EventID = newID()
	}
	cp := *e
	s.db.outbox[e.EventID] = &cp
	s.db.outboxIndex[key] = true
	return true, nil
}

func (s *outboxStore) CountPending(ctx context.Context, asOf time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, e := range s.db.outbox {
		if e.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *outboxStore) CountAvailable(ctx context.Context, asOf time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, e := range s.db.outbox {
		if e.DeliveredAt == nil && !e.AvailableAt.After(asOf) {
			n++
		}
	}
	return n, nil
}

func (s *outboxStore) OldestPendingAge(ctx context.Context, asOf time.Time) (time.Duration, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var oldest *time.Time
	for _, e := range s.db.outbox {
		if e.DeliveredAt != nil {
			continue
		}
		if oldest == nil || e.OccurredAt.Before(*oldest) {
			t := e.OccurredAt
			oldest = &t
		}
	}
	if oldest == nil {
		return 0, false, nil
	}
	return asOf.Sub(*oldest), true, nil
}

// --- policy evaluations ----------------------------------------------------

type policyEvalStore struct{ db *DB }

func (s *policyEvalStore) Insert(ctx context.Context, e *store.PolicyEvaluation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if e.EvaluationID == "" {
		e.EvaluationID = newID()
	}
	cp := *e
	s.db.evaluations = append(s.db.evaluations, &cp)
	return nil
}

func (s *policyEvalStore) CountRecentTimeouts(ctx context.Context, since time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, e := range s.db.evaluations {
		if e.DecisionSource == "timeout" && e.EvaluatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// --- quarantine -------------------------------------------------------------

type quarantineStore struct{ db *DB }

func quarantineKey(tenantID, repoID, versionID string) string {
	return tenantID + "|" + repoID + "|" + versionID
}

func (s *quarantineStore) Upsert(ctx context.Context, q *store.QuarantineItem) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := quarantineKey(q.TenantID, q.RepoID, q.VersionID)
	if id, ok := s.db.quarantineIdx[key]; ok {
		q.QuarantineID = id
	} else if q.QuarantineID == "" {
		q.QuarantineID = newID()
	}
	cp := *q
	s.db.quarantine[q.QuarantineID] = &cp
	s.db.quarantineIdx[key] = q.QuarantineID
	return nil
}

func (s *quarantineStore) GetByVersion(ctx context.Context, tenantID, repoID, versionID string) (*store.QuarantineItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.quarantineIdx[quarantineKey(tenantID, repoID, versionID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.db.quarantine[id]
	return &cp, nil
}

func (s *quarantineStore) Get(ctx context.Context, quarantineID string) (*store.QuarantineItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	q, ok := s.db.quarantine[quarantineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *quarantineStore) TransitionStatus(ctx context.Context, quarantineID string, toStatus store.QuarantineStatus, resolvedBy string, resolvedAt time.Time) (*store.QuarantineItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	q, ok := s.db.quarantine[quarantineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if q.Status != store.QuarantineActive {
		return nil, store.ErrNoRowsUpdated
	}
	q.Status = toStatus
	q.ResolvedBy = resolvedBy
	t := resolvedAt
	q.ResolvedAt = &t
	cp := *q
	return &cp, nil
}

func (s *quarantineStore) AnyActiveForDigestInRepo(ctx context.Context, repoID, digest string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for versionID, entries := range s.db.entries {
		v, ok := s.db.versions[versionID]
		if !ok || v.RepoID != repoID {
			continue
		}
		hasDigest := false
		for _, e := range entries {
			if e.BlobDigest == digest {
				hasDigest = true
				break
			}
		}
		if !hasDigest {
			continue
		}
		for _, q := range s.db.quarantine {
			if q.VersionID != versionID {
				continue
			}
			if q.Status == store.QuarantineActive || q.Status == store.QuarantineRejected {
				return true, nil
			}
		}
	}
	return false, nil
}

// --- gc runs -----------------------------------------------------------

type gcRunStore struct{ db *DB }

func (s *gcRunStore) Insert(ctx context.Context, r *store.GCRun) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if r.RunID == "" {
		r.RunID = newID()
	}
	cp := *r
	s.db.gcRuns[r.RunID] = &cp
	s.db.gcMarks[r.RunID] = map[string]bool{}
	return nil
}

func (s *gcRunStore) Finalize(ctx context.Context, r *store.GCRun) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.gcRuns[r.RunID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	s.db.gcRuns[r.RunID] = &cp
	return nil
}

func (s *gcRunStore) MarkDigests(ctx context.Context, runID string, digests []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.gcMarks[runID]
	if !ok {
		m = map[string]bool{}
		s.db.gcMarks[runID] = m
	}
	for _, d := range digests {
		m[d] = true
	}
	return nil
}

func (s *gcRunStore) IsMarked(ctx context.Context, runID, digest string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.gcMarks[runID][digest], nil
}

func (s *gcRunStore) CountIncomplete(ctx context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, r := range s.db.gcRuns {
		if r.CompletedAt == nil {
			n++
		}
	}
	return n, nil
}

// --- audit -------------------------------------------------------------

type auditStore struct{ db *DB }

func (s *auditStore) Insert(ctx context.Context, a *store.AuditEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a.AuditID == "" {
		a.AuditID = newID()
	}
	cp := *a
	s.db.audit = append(s.db.audit, &cp)
	return nil
}

func (s *auditStore) List(ctx context.Context, tenantID string, limit int) ([]*store.AuditEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.db.audit[i].TenantID == tenantID {
			cp := *s.db.audit[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *auditStore) CountRecentByAction(ctx context.Context, tenantID, action string, since time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, a := range s.db.audit {
		if a.TenantID == tenantID && a.Action == action && !a.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}
