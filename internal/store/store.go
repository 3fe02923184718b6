// Package store defines the Metadata Store Adapter contract (§4.C): a
// transactional relational abstraction with row locking, array/JSON column
// support, and a distinguished "unique violation" condition. It is modeled
// on the repository-of-repositories shape of the teacher's satellitedb
// package (one DB handle exposing Projects()/APIKeys()/Users()/... each
// backed by the same connection or the same open transaction).
//
// Two implementations exist: postgres (github.com/lib/pq over
// database/sql) and memstore (an in-memory fake used by every domain
// package's tests).
package store

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the package's error class; ErrNotFound/ErrUniqueViolation are
// sentinels domain packages check for with errors.Is.
var Error = errs.Class("store")

var (
	// ErrNotFound is returned by Get-style repository methods when the row
	// is absent.
	ErrNotFound = errs.New("not found")
	// ErrUniqueViolation is the distinct condition §4.C requires adapters
	// surface separately from other failures.
	ErrUniqueViolation = errs.New("unique violation")
	// ErrNoRowsUpdated signals a conditional UPDATE (`WHERE state = $expected`)
	// matched zero rows — the caller lost a race and should treat it as a
	// state conflict, per §5 "Ordering guarantees".
	ErrNoRowsUpdated = errs.New("no rows updated")
)

// RepoType enumerates §3 Repository.repo_type.
type RepoType string

const (
	RepoTypeLocal   RepoType = "local"
	RepoTypeRemote  RepoType = "remote"
	RepoTypeVirtual RepoType = "virtual"
)

// Role enumerates the roles a Repo Scope (§3) may carry.
type Role string

const (
	RoleRead    Role = "read"
	RoleWrite   Role = "write"
	RoleAdmin   Role = "admin"
	RolePromote Role = "promote"
)

// UploadState enumerates §4.D's state machine.
type UploadState string

const (
	UploadInitiated      UploadState = "initiated"
	UploadPartsUploading UploadState = "parts_uploading"
	UploadPendingCommit  UploadState = "pending_commit"
	UploadCommitted      UploadState = "committed"
	UploadAborted        UploadState = "aborted"
)

// VersionState enumerates §3's Package Version lifecycle.
type VersionState string

const (
	VersionDraft       VersionState = "draft"
	VersionPublished   VersionState = "published"
	VersionTombstoned  VersionState = "tombstoned"
)

// PolicyAction enumerates §3 Policy Evaluation.action.
type PolicyAction string

const (
	PolicyActionPublish PolicyAction = "publish"
	PolicyActionPromote PolicyAction = "promote"
)

// PolicyDecision enumerates §3 Policy Evaluation.decision.
type PolicyDecision string

const (
	DecisionAllow      PolicyDecision = "allow"
	DecisionDeny       PolicyDecision = "deny"
	DecisionQuarantine PolicyDecision = "quarantine"
)

// QuarantineStatus enumerates §3 Quarantine Item.status.
type QuarantineStatus string

const (
	QuarantineActive   QuarantineStatus = "quarantined"
	QuarantineReleased QuarantineStatus = "released"
	QuarantineRejected QuarantineStatus = "rejected"
)

// GCMode enumerates §3 GC Run.mode.
type GCMode string

const (
	GCDryRun  GCMode = "dry_run"
	GCExecute GCMode = "execute"
)

// --- Entities -------------------------------------------------------------

// Repo is §3 Repository.
type Repo struct {
	RepoID       string
	TenantID     string
	RepoKey      string
	RepoType     RepoType
	UpstreamURL  string   // remote
	MemberKeys   []string // virtual, ordered
	CreatedAt    time.Time
}

// PAT is §3 Personal Access Token. The plaintext is never stored; TokenHash
// is the lowercase-hex SHA-256 of it.
type PAT struct {
	TokenID   string
	TenantID  string
	Subject   string
	TokenHash string
	Scopes    []string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// RoleBinding is §3 Role Binding.
type RoleBinding struct {
	RepoID  string
	Subject string
	Roles   []Role
}

// Blob is §3 Blob.
type Blob struct {
	Digest     string
	Length     int64
	StorageKey string
	ObjectETag string
	CreatedAt  time.Time
}

// UploadSession is §3 Upload Session.
type UploadSession struct {
	UploadID            string
	TenantID             string
	RepoID               string
	ExpectedDigest       string
	ExpectedLength       int64
	State                UploadState
	ObjectStagingKey     string
	StorageUploadID      string
	CommittedBlobDigest  string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	UpdatedAt            time.Time
	AbortedAt            *time.Time
	AbortedReason        string
	CommittedAt          *time.Time
}

// Package is §3 Package.
type Package struct {
	PackageID   string
	RepoID      string
	PackageType string
	Namespace   string
	Name        string
}

// Version is §3 Package Version.
type Version struct {
	VersionID        string
	RepoID           string
	PackageID        string
	Version          string
	State            VersionState
	CreatedAt        time.Time
	PublishedAt      *time.Time
	TombstonedAt     *time.Time
	TombstoneReason  string
}

// ArtifactEntry is §3 Artifact Entry.
type ArtifactEntry struct {
	VersionID      string
	RelativePath   string
	BlobDigest     string
	ChecksumSHA1   string
	ChecksumSHA256 string
	SizeBytes      int64
}

// Manifest is §3 Manifest.
type Manifest struct {
	VersionID       string
	Document        []byte // JSON
	ManifestDigest  string
}

// Tombstone is §3 Tombstone.
type Tombstone struct {
	VersionID       string
	RetentionUntil  time.Time
	Reason          string
	DeletedBySubject string
}

// OutboxEvent is §3 Outbox Event.
type OutboxEvent struct {
	EventID       string
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	OccurredAt    time.Time
	AvailableAt   time.Time
	DeliveredAt   *time.Time
}

// PolicyEvaluation is §3 Policy Evaluation.
type PolicyEvaluation struct {
	EvaluationID        string
	TenantID            string
	RepoID              string
	VersionID           string
	Action              PolicyAction
	Decision            PolicyDecision
	DecisionSource      string
	Reason              string
	PolicyEngineVersion string
	EvaluatedAt         time.Time
	EvaluatedBy         string
}

// QuarantineItem is §3 Quarantine Item.
type QuarantineItem struct {
	QuarantineID string
	TenantID     string
	RepoID       string
	VersionID    string
	Status       QuarantineStatus
	Reason       string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   string
}

// GCRun is §3 GC Run.
type GCRun struct {
	RunID               string
	Mode                GCMode
	MarkedCount         int
	CandidateCount      int
	DeletedBlobCount    int
	DeletedVersionCount int
	DeleteErrorCount    int
	StartedAt           time.Time
	CompletedAt         *time.Time
	Failed              bool
}

// AuditEntry is §3 Audit Entry.
type AuditEntry struct {
	AuditID      string
	TenantID     string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]string
	OccurredAt   time.Time
}

// --- Repository interfaces -------------------------------------------------

// RepoStore manages Repository rows.
type RepoStore interface {
	Insert(ctx context.Context, r *Repo) error
	GetByKey(ctx context.Context, tenantID, repoKey string) (*Repo, error)
	GetByID(ctx context.Context, repoID string) (*Repo, error)
	List(ctx context.Context, tenantID string) ([]*Repo, error)
	Delete(ctx context.Context, repoID string) error
}

// PATStore manages Personal Access Token rows.
type PATStore interface {
	Insert(ctx context.Context, p *PAT) error
	GetActiveByHash(ctx context.Context, tokenHash string) (*PAT, error)
	Revoke(ctx context.Context, tokenID string, at time.Time) error
	CountActiveForTenant(ctx context.Context, tenantID string) (int, error)
}

// RoleBindingStore manages Role Binding rows.
type RoleBindingStore interface {
	Upsert(ctx context.Context, b *RoleBinding) error
	Get(ctx context.Context, repoID, subject string) (*RoleBinding, error)
	ListForSubject(ctx context.Context, subject string) ([]*RoleBinding, error)
}

// BlobStore manages the content-addressed Blob catalog (§4.E).
type BlobStore interface {
	// UpsertWithLengthCheck inserts digest/length/storageKey/etag, or if the
	// digest already exists, merges the etag (COALESCE existing, new) while
	// requiring the existing length equal the new one (a mismatch returns a
	// plain error, not a sentinel; the upload engine reports it as a store
	// error).
	UpsertWithLengthCheck(ctx context.Context, digest string, length int64, storageKey, etag string) (*Blob, error)
	Get(ctx context.Context, digest string) (*Blob, error)
	Exists(ctx context.Context, digest string) (bool, error)
	// CommittedInRepo reports whether digest is the committed_blob_digest
	// of some committed upload session scoped to repoID (§4.E repo-scoped
	// reachability predicate).
	CommittedInRepo(ctx context.Context, repoID, digest string) (bool, error)
	// ListOrphanCandidates returns blobs with CreatedAt <= cutoff, excluding
	// any digest present in gcMarks for runID, ordered by CreatedAt, capped
	// at limit. Used by GC candidate selection (§4.H).
	ListOrphanCandidates(ctx context.Context, runID string, cutoff time.Time, limit int) ([]*Blob, error)
	Delete(ctx context.Context, digest string) error
	ListAll(ctx context.Context) ([]*Blob, error)
}

// UploadStore manages Upload Session rows (§4.D).
type UploadStore interface {
	Insert(ctx context.Context, s *UploadSession) error
	Get(ctx context.Context, uploadID string) (*UploadSession, error)
	// TransitionState performs a conditional UPDATE `WHERE state = fromState`
	// and applies mutate to the in-memory copy before persisting fields it
	// touched. Returns ErrNoRowsUpdated if the row wasn't in fromState.
	TransitionState(ctx context.Context, uploadID string, fromState, toState UploadState, mutate func(*UploadSession)) (*UploadSession, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]*UploadSession, error)
	ClearCommittedDigestReferences(ctx context.Context, digests []string) error
}

// PackageStore manages Package rows (§4.F).
type PackageStore interface {
	// UpsertGet finds-or-creates a package keyed on (repo, type, ns, name).
	UpsertGet(ctx context.Context, repoID, packageType, namespace, name string) (*Package, error)
	Get(ctx context.Context, packageID string) (*Package, error)
}

// VersionStore manages Package Version rows (§4.F).
type VersionStore interface {
	// InsertDraft inserts a new draft version under (repo, package, version);
	// returns ErrUniqueViolation if the triple already exists.
	InsertDraft(ctx context.Context, v *Version) error
	GetByTriple(ctx context.Context, repoID, packageID, version string) (*Version, error)
	// LockForUpdate reads the row with SELECT ... FOR UPDATE; must be called
	// inside a transaction.
	LockForUpdate(ctx context.Context, versionID string) (*Version, error)
	Update(ctx context.Context, v *Version) error
	Get(ctx context.Context, versionID string) (*Version, error)
	ListTombstonedPastRetention(ctx context.Context, asOf time.Time, limit int) ([]*Version, error)
	DeleteBatch(ctx context.Context, versionIDs []string) error
}

// ArtifactEntryStore manages Artifact Entry rows.
type ArtifactEntryStore interface {
	Upsert(ctx context.Context, e *ArtifactEntry) error
	ListForVersion(ctx context.Context, versionID string) ([]*ArtifactEntry, error)
	CountForVersion(ctx context.Context, versionID string) (int, error)
	// ListLiveDigests returns distinct blob digests referenced by entries
	// whose version is alive (not tombstoned, or tombstone not yet expired).
	ListLiveDigests(ctx context.Context, asOf time.Time) ([]string, error)
	// FindByDigestInRepo locates entries (repo-scoped) referencing digest, used
	// by the quarantine read-path suppression check.
	FindByDigestInRepo(ctx context.Context, repoID, digest string) ([]*ArtifactEntry, error)
}

// ManifestStore manages Manifest rows.
type ManifestStore interface {
	Upsert(ctx context.Context, m *Manifest) error
	Get(ctx context.Context, versionID string) (*Manifest, error)
	Exists(ctx context.Context, versionID string) (bool, error)
	ListLiveManifestDigests(ctx context.Context, asOf time.Time) ([]string, error)
}

// TombstoneStore manages Tombstone rows.
type TombstoneStore interface {
	Upsert(ctx context.Context, t *Tombstone) error
	Get(ctx context.Context, versionID string) (*Tombstone, error)
}

// OutboxStore manages Outbox Event rows.
type OutboxStore interface {
	// InsertIfAbsent inserts the event only if no row exists for
	// (tenant, aggregate_type+id, event_type); returns inserted=false if one
	// already existed (the idempotency guarantee of Invariant 7).
	InsertIfAbsent(ctx context.Context, e *OutboxEvent) (inserted bool, err error)
	CountPending(ctx context.Context, asOf time.Time) (int, error)
	CountAvailable(ctx context.Context, asOf time.Time) (int, error)
	OldestPendingAge(ctx context.Context, asOf time.Time) (time.Duration, bool, error)
}

// PolicyEvaluationStore manages Policy Evaluation rows.
type PolicyEvaluationStore interface {
	Insert(ctx context.Context, e *PolicyEvaluation) error
	CountRecentTimeouts(ctx context.Context, since time.Time) (int, error)
}

// QuarantineStore manages Quarantine Item rows.
type QuarantineStore interface {
	// Upsert resets any prior resolution on conflict of (tenant, repo, version).
	Upsert(ctx context.Context, q *QuarantineItem) error
	GetByVersion(ctx context.Context, tenantID, repoID, versionID string) (*QuarantineItem, error)
	Get(ctx context.Context, quarantineID string) (*QuarantineItem, error)
	// TransitionStatus performs a conditional UPDATE `WHERE status = 'quarantined'`.
	TransitionStatus(ctx context.Context, quarantineID string, toStatus QuarantineStatus, resolvedBy string, resolvedAt time.Time) (*QuarantineItem, error)
	// AnyActiveForDigestInRepo reports whether any quarantined/rejected item
	// exists for a version in repoID whose entries reference digest.
	AnyActiveForDigestInRepo(ctx context.Context, repoID, digest string) (bool, error)
}

// GCRunStore manages GC Run rows and the gc_marks join table.
type GCRunStore interface {
	Insert(ctx context.Context, r *GCRun) error
	Finalize(ctx context.Context, r *GCRun) error
	MarkDigests(ctx context.Context, runID string, digests []string) error
	IsMarked(ctx context.Context, runID, digest string) (bool, error)
	// CountIncomplete counts runs with no CompletedAt yet (still running or
	// abandoned mid-process) — surfaced by the Reconciler (§4.J).
	CountIncomplete(ctx context.Context) (int, error)
}

// AuditStore manages Audit Entry rows.
type AuditStore interface {
	Insert(ctx context.Context, a *AuditEntry) error
	List(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error)
	// CountRecentByAction counts entries for tenantID with the given action
	// occurring at or after since. Used by the Reconciler's "recent policy
	// timeouts" operational counter (§4.J).
	CountRecentByAction(ctx context.Context, tenantID, action string, since time.Time) (int, error)
}

// Store is the full Metadata Store Adapter: a connection-or-transaction
// handle exposing every repository above, plus the transaction boundary
// itself. WithTx must be reentrant-safe: calling WithTx on a Store that is
// already transactional runs fn against the same transaction rather than
// nesting (there are no nested transactions in this spec).
type Store interface {
	Repos() RepoStore
	PATs() PATStore
	RoleBindings() RoleBindingStore
	Blobs() BlobStore
	Uploads() UploadStore
	Packages() PackageStore
	Versions() VersionStore
	ArtifactEntries() ArtifactEntryStore
	Manifests() ManifestStore
	Tombstones() TombstoneStore
	Outbox() OutboxStore
	PolicyEvaluations() PolicyEvaluationStore
	Quarantine() QuarantineStore
	GCRuns() GCRunStore
	Audit() AuditStore

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Ping(ctx context.Context) error
	Close() error
}
