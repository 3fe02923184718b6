// Package versions is Version Assembly (§4.F): draft creation, artifact
// entry upsert, manifest upsert with per-package-type field checks, and the
// atomic publish/tombstone transactions. Grounded on the teacher's
// satellite/metabase begin/commit-object style (lock the row, validate
// invariants under the lock, single atomic state transition) generalized
// from "object" to "package version".
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/digestutil"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/audit"
)

// Error is the package's error class.
var Error = errs.Class("versions")

const (
	defaultRetentionDays = 30
	minRetentionDays     = 1
	maxRetentionDays     = 3650
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements §4.F.
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

// CreateOrReuseDraft implements §4.F "Create/reuse draft": upsert the
// Package on (repo, type, ns, name), then insert-or-reuse a draft Version.
// A non-draft row at the same triple is a state conflict.
func (s *Service) CreateOrReuseDraft(ctx context.Context, repoID, packageType, namespace, name, version string) (*store.Version, error) {
	if packageType == "" || name == "" || version == "" {
		return nil, apierr.Validation("package", "package_type, name, and version are required")
	}

	pkg, err := s.store.Packages().UpsertGet(ctx, repoID, packageType, namespace, name)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	v := &store.Version{
		RepoID:    repoID,
		PackageID: pkg.PackageID,
		Version:   version,
		State:     store.VersionDraft,
		CreatedAt: s.now(),
	}
	err = s.store.Versions().InsertDraft(ctx, v)
	if err == nil {
		return v, nil
	}
	if err != store.ErrUniqueViolation {
		return nil, Error.Wrap(err)
	}

	existing, gerr := s.store.Versions().GetByTriple(ctx, repoID, pkg.PackageID, version)
	if gerr != nil {
		return nil, Error.Wrap(gerr)
	}
	if existing.State != store.VersionDraft {
		return nil, apierr.Conflict("version_not_draft",
			fmt.Sprintf("version %s is %s, not draft", version, existing.State))
	}
	return existing, nil
}

// EntryInput is one artifact entry supplied to UpsertEntries.
type EntryInput struct {
	RelativePath   string
	BlobDigest     string
	ChecksumSHA1   string
	ChecksumSHA256 string
	SizeBytes      int64
}

// UpsertEntries implements §4.F "Upsert artifact entries": lock the
// version (must be draft), validate each entry, and require each digest be
// both cataloged AND committed via an upload session in this repository
// (Invariant 4), disambiguating "missing" from "not committed in repo".
func (s *Service) UpsertEntries(ctx context.Context, repoID, versionID string, inputs []EntryInput) ([]*store.ArtifactEntry, error) {
	if len(inputs) == 0 {
		return nil, apierr.Validation("entries", "at least one entry is required")
	}
	seenPaths := map[string]bool{}
	for _, in := range inputs {
		if in.RelativePath == "" {
			return nil, apierr.Validation("relative_path", "relative_path must not be empty")
		}
		if seenPaths[in.RelativePath] {
			return nil, apierr.Validation("relative_path", fmt.Sprintf("duplicate relative_path %q in request", in.RelativePath))
		}
		seenPaths[in.RelativePath] = true
		if in.SizeBytes <= 0 {
			return nil, apierr.Validation("size_bytes", "size_bytes must be > 0")
		}
		if !digestutil.IsSHA256Hex(in.BlobDigest) {
			return nil, apierr.Validation("blob_digest", "blob_digest must be a 64-character lowercase hex SHA-256")
		}
		if in.ChecksumSHA1 != "" && !digestutil.IsSHA1Hex(in.ChecksumSHA1) {
			return nil, apierr.Validation("checksum_sha1", "checksum_sha1 must be a 40-character lowercase hex SHA-1")
		}
		if in.ChecksumSHA256 != "" && !digestutil.IsSHA256Hex(in.ChecksumSHA256) {
			return nil, apierr.Validation("checksum_sha256", "checksum_sha256 must be a 64-character lowercase hex SHA-256")
		}
	}

	var result []*store.ArtifactEntry
	txErr := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		v, err := tx.Versions().LockForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if v.State != store.VersionDraft {
			return apierr.Conflict("version_not_draft", fmt.Sprintf("version is %s, not draft", v.State))
		}

		for _, in := range inputs {
			exists, err := tx.Blobs().Exists(ctx, in.BlobDigest)
			if err != nil {
				return err
			}
			if !exists {
				return apierr.Conflict("blob_missing", fmt.Sprintf("digest %s is not cataloged", in.BlobDigest))
			}
			committed, err := tx.Blobs().CommittedInRepo(ctx, repoID, in.BlobDigest)
			if err != nil {
				return err
			}
			if !committed {
				return apierr.Conflict("blob_unreachable_in_repo",
					fmt.Sprintf("digest %s has no committed upload session in this repository", in.BlobDigest))
			}
			e := &store.ArtifactEntry{
				VersionID:      versionID,
				RelativePath:   in.RelativePath,
				BlobDigest:     in.BlobDigest,
				ChecksumSHA1:   in.ChecksumSHA1,
				ChecksumSHA256: in.ChecksumSHA256,
				SizeBytes:      in.SizeBytes,
			}
			if err := tx.ArtifactEntries().Upsert(ctx, e); err != nil {
				return err
			}
			result = append(result, e)
		}
		return nil
	})
	if txErr != nil {
		if ae, ok := apierr.As(txErr); ok {
			return nil, ae
		}
		return nil, Error.Wrap(txErr)
	}
	return result, nil
}

var requiredManifestFields = map[string][]string{
	"nuget": {"id", "version"},
	"npm":   {"name", "version"},
	"maven": {"groupId", "artifactId", "version"},
}

// UpsertManifest implements §4.F "Upsert manifest": the document must be a
// JSON object, per-type required string fields must be present, and an
// optional manifest blob digest must be committed in this repo.
func (s *Service) UpsertManifest(ctx context.Context, repoID, versionID, packageType string, document []byte, manifestDigest string) (*store.Manifest, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(document, &obj); err != nil {
		return nil, apierr.Validation("manifest", "manifest must be a JSON object")
	}
	for _, field := range requiredManifestFields[packageType] {
		v, ok := obj[field]
		if !ok {
			return nil, apierr.Validation(field, fmt.Sprintf("manifest is missing required field %q for package type %q", field, packageType))
		}
		if _, ok := v.(string); !ok {
			return nil, apierr.Validation(field, fmt.Sprintf("manifest field %q must be a string", field))
		}
	}

	if manifestDigest != "" {
		if !digestutil.IsSHA256Hex(manifestDigest) {
			return nil, apierr.Validation("manifest_digest", "manifest_digest must be a 64-character lowercase hex SHA-256")
		}
		committed, err := s.store.Blobs().CommittedInRepo(ctx, repoID, manifestDigest)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if !committed {
			return nil, apierr.Conflict("blob_unreachable_in_repo",
				fmt.Sprintf("manifest digest %s has no committed upload session in this repository", manifestDigest))
		}
	}

	m := &store.Manifest{VersionID: versionID, Document: document, ManifestDigest: manifestDigest}
	if err := s.store.Manifests().Upsert(ctx, m); err != nil {
		return nil, Error.Wrap(err)
	}
	return m, nil
}

// PublishResult reports whether this call performed the publish or found
// it already done (Invariant 6's idempotency guarantee).
type PublishResult struct {
	Version      *store.Version
	Idempotent   bool
	EventEmitted bool
}

// Publish implements §4.F "Publish": locks the version, requires >=1 entry
// and exactly one manifest, requires every entry's digest be committed in
// this repo, flips state, inserts the outbox event if absent, and writes
// an audit row — all in one transaction.
func (s *Service) Publish(ctx context.Context, tenantID, versionID, actorSubject string) (*PublishResult, error) {
	var result *PublishResult
	txErr := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		v, err := tx.Versions().LockForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if v.State == store.VersionPublished {
			result = &PublishResult{Version: v, Idempotent: true, EventEmitted: false}
			return nil
		}
		if v.State != store.VersionDraft {
			return apierr.Conflict("version_not_draft", fmt.Sprintf("version is %s, cannot publish", v.State))
		}

		entries, err := tx.ArtifactEntries().ListForVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return apierr.Conflict("no_artifact_entries", "version has no artifact entries")
		}
		hasManifest, err := tx.Manifests().Exists(ctx, versionID)
		if err != nil {
			return err
		}
		if !hasManifest {
			return apierr.Conflict("manifest_missing", "version has no manifest")
		}
		for _, e := range entries {
			committed, err := tx.Blobs().CommittedInRepo(ctx, v.RepoID, e.BlobDigest)
			if err != nil {
				return err
			}
			if !committed {
				ce := apierr.Conflict("blob_unreachable_in_repo", fmt.Sprintf("digest %s is not reachable in this repository", e.BlobDigest))
				ce.Field = e.BlobDigest
				return ce
			}
		}

		now := s.now()
		if v.PublishedAt == nil {
			v.PublishedAt = &now
		}
		v.State = store.VersionPublished
		if err := tx.Versions().Update(ctx, v); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"version_id":   v.VersionID,
			"repo_id":      v.RepoID,
			"package_id":   v.PackageID,
			"version":      v.Version,
			"published_at": v.PublishedAt,
		})
		inserted, err := tx.Outbox().InsertIfAbsent(ctx, &store.OutboxEvent{
			TenantID:      tenantID,
			AggregateType: "package_version",
			AggregateID:   v.VersionID,
			EventType:     "version.published",
			Payload:       payload,
			OccurredAt:    now,
			AvailableAt:   now,
		})
		if err != nil {
			return err
		}

		log := audit.New(tx).WithClock(func() time.Time { return now })
		if err := log.Append(ctx, tenantID, actorSubject, "version.publish", "package_version", v.VersionID,
			map[string]string{"version": v.Version, "repo_id": v.RepoID}); err != nil {
			return err
		}

		result = &PublishResult{Version: v, Idempotent: false, EventEmitted: inserted}
		return nil
	})
	if txErr != nil {
		if ae, ok := apierr.As(txErr); ok {
			return nil, ae
		}
		return nil, Error.Wrap(txErr)
	}
	return result, nil
}

// Tombstone implements §4.F "Tombstone": allowed from draft|published,
// idempotent if already tombstoned, sets retention bounded to [1, 3650]
// days (default 30).
func (s *Service) Tombstone(ctx context.Context, tenantID, versionID, reason, deletedBySubject string, retentionDays int) (*store.Version, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	if retentionDays < minRetentionDays {
		retentionDays = minRetentionDays
	}
	if retentionDays > maxRetentionDays {
		retentionDays = maxRetentionDays
	}

	var result *store.Version
	txErr := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		v, err := tx.Versions().LockForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if v.State == store.VersionTombstoned {
			result = v
			return nil // idempotent
		}
		if v.State != store.VersionDraft && v.State != store.VersionPublished {
			return apierr.Conflict("invalid_state", fmt.Sprintf("cannot tombstone version in state %s", v.State))
		}

		now := s.now()
		v.State = store.VersionTombstoned
		v.TombstonedAt = &now
		v.TombstoneReason = reason
		if err := tx.Versions().Update(ctx, v); err != nil {
			return err
		}
		if err := tx.Tombstones().Upsert(ctx, &store.Tombstone{
			VersionID:        versionID,
			RetentionUntil:   now.AddDate(0, 0, retentionDays),
			Reason:           reason,
			DeletedBySubject: deletedBySubject,
		}); err != nil {
			return err
		}
		log := audit.New(tx).WithClock(func() time.Time { return now })
		if err := log.Append(ctx, tenantID, deletedBySubject, "version.tombstone", "package_version", versionID,
			map[string]string{"reason": reason}); err != nil {
			return err
		}
		result = v
		return nil
	})
	if txErr != nil {
		if ae, ok := apierr.As(txErr); ok {
			return nil, ae
		}
		return nil, Error.Wrap(txErr)
	}
	return result, nil
}
