// Package gc is Tombstone & GC (§4.H): mark-and-sweep root-set
// materialization, candidate selection with a grace window, execute/dry-run
// deletion with error accounting, and batch deletion of versions whose
// tombstone retention has elapsed. Grounded on the teacher's garbage
// collection design (storj's satellite gracefulexit/metainfo GC job:
// compute a live bloom/root set, then delete anything unmarked past a
// grace period), adapted here to a relational mark table instead of a
// bloom filter since §4.C already gives us one.
package gc

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("gc")

const (
	defaultGraceHours = 24
	minGraceHours     = 0
	maxGraceHours     = 8760

	defaultBatchSize = 200
	minBatchSize      = 1
	maxBatchSize      = 5000

	versionDeleteBatchSize = 500
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Options configures one GC run.
type Options struct {
	Mode       store.GCMode
	GraceHours int // clamped to at most 8760; negative values use the default 24
	BatchSize  int // clamped to at most 5000; values below 1 use the default 200
}

func (o Options) normalize() Options {
	if o.GraceHours < minGraceHours {
		o.GraceHours = defaultGraceHours
	} else if o.GraceHours > maxGraceHours {
		o.GraceHours = maxGraceHours
	}
	if o.BatchSize < minBatchSize {
		o.BatchSize = defaultBatchSize
	} else if o.BatchSize > maxBatchSize {
		o.BatchSize = maxBatchSize
	}
	return o
}

// Runner executes §4.H garbage collection.
type Runner struct {
	store   store.Store
	objects objectstore.Store
	log     *zap.Logger
	now     Clock
}

// New constructs a Runner.
func New(st store.Store, objects objectstore.Store, log *zap.Logger) *Runner {
	return &Runner{store: st, objects: objects, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the runner's clock; used by tests.
func (r *Runner) WithClock(clock Clock) *Runner {
	r.now = clock
	return r
}

// Run executes one GC pass end to end: root-set materialization, candidate
// selection, (if Mode is execute) deletion, tombstoned-version cleanup, and
// run finalization. A mid-run failure still finalizes the run, marked
// Failed with a non-zero error count, per §4.H "Finalization".
func (r *Runner) Run(ctx context.Context, opts Options) (*store.GCRun, error) {
	opts = opts.normalize()
	now := r.now()

	run := &store.GCRun{Mode: opts.Mode, StartedAt: now}
	if err := r.store.GCRuns().Insert(ctx, run); err != nil {
		return nil, Error.Wrap(err)
	}

	liveDigests, err := r.materializeRootSet(ctx, run.RunID, now)
	if err != nil {
		return r.finalizeFailed(ctx, run)
	}
	run.MarkedCount = liveDigests

	cutoff := now.Add(-time.Duration(opts.GraceHours) * time.Hour)
	candidates, err := r.store.Blobs().ListOrphanCandidates(ctx, run.RunID, cutoff, opts.BatchSize)
	if err != nil {
		return r.finalizeFailed(ctx, run)
	}
	run.CandidateCount = len(candidates)

	if opts.Mode == store.GCExecute {
		deleted, deleteErrors := r.deleteBlobs(ctx, candidates)
		run.DeletedBlobCount = len(deleted)
		run.DeleteErrorCount = deleteErrors

		if len(deleted) > 0 {
			if err := r.store.Uploads().ClearCommittedDigestReferences(ctx, deleted); err != nil {
				return r.finalizeFailed(ctx, run)
			}
			for _, digest := range deleted {
				if err := r.store.Blobs().Delete(ctx, digest); err != nil {
					return r.finalizeFailed(ctx, run)
				}
			}
		}

		deletedVersions, err := r.deleteExpiredVersions(ctx, now)
		if err != nil {
			return r.finalizeFailed(ctx, run)
		}
		run.DeletedVersionCount = deletedVersions
	}

	completedAt := r.now()
	run.CompletedAt = &completedAt
	run.Failed = false
	if err := r.store.GCRuns().Finalize(ctx, run); err != nil {
		return nil, Error.Wrap(err)
	}
	return run, nil
}

func (r *Runner) finalizeFailed(ctx context.Context, run *store.GCRun) (*store.GCRun, error) {
	completedAt := r.now()
	run.CompletedAt = &completedAt
	run.Failed = true
	if run.DeleteErrorCount == 0 {
		run.DeleteErrorCount = 1
	}
	if err := r.store.GCRuns().Finalize(ctx, run); err != nil {
		return nil, Error.Wrap(err)
	}
	return run, Error.New("gc run %s failed", run.RunID)
}

// materializeRootSet computes the union of live artifact-entry digests and
// live manifest digests and writes them into gc_marks(run_id, digest),
// returning the marked count.
func (r *Runner) materializeRootSet(ctx context.Context, runID string, asOf time.Time) (int, error) {
	entryDigests, err := r.store.ArtifactEntries().ListLiveDigests(ctx, asOf)
	if err != nil {
		return 0, err
	}
	manifestDigests, err := r.store.Manifests().ListLiveManifestDigests(ctx, asOf)
	if err != nil {
		return 0, err
	}

	set := map[string]struct{}{}
	for _, d := range entryDigests {
		set[d] = struct{}{}
	}
	for _, d := range manifestDigests {
		set[d] = struct{}{}
	}

	digests := make([]string, 0, len(set))
	for d := range set {
		digests = append(digests, d)
	}
	if err := r.store.GCRuns().MarkDigests(ctx, runID, digests); err != nil {
		return 0, err
	}
	return len(digests), nil
}

// deleteBlobs deletes each candidate from the object store, treating
// NotFound as success per §4.H, and returns the digests that are safe to
// remove from metadata plus a count of delete failures.
func (r *Runner) deleteBlobs(ctx context.Context, candidates []*store.Blob) ([]string, int) {
	var deleted []string
	errorCount := 0
	for _, b := range candidates {
		err := r.objects.Delete(ctx, b.StorageKey)
		if err != nil {
			if se, ok := objectstore.AsStoreError(err); ok && se.Kind == objectstore.KindNotFound {
				deleted = append(deleted, b.Digest)
				continue
			}
			errorCount++
			if r.log != nil {
				r.log.Warn("gc: object store delete failed", zap.String("digest", b.Digest), zap.Error(err))
			}
			continue
		}
		deleted = append(deleted, b.Digest)
	}
	return deleted, errorCount
}

// deleteExpiredVersions deletes, in batches, package-version rows whose
// tombstone retention has elapsed.
func (r *Runner) deleteExpiredVersions(ctx context.Context, asOf time.Time) (int, error) {
	total := 0
	for {
		versions, err := r.store.Versions().ListTombstonedPastRetention(ctx, asOf, versionDeleteBatchSize)
		if err != nil {
			return total, err
		}
		if len(versions) == 0 {
			return total, nil
		}
		ids := make([]string, len(versions))
		for i, v := range versions {
			ids[i] = v.VersionID
		}
		if err := r.store.Versions().DeleteBatch(ctx, ids); err != nil {
			return total, err
		}
		total += len(ids)
		if len(versions) < versionDeleteBatchSize {
			return total, nil
		}
	}
}
