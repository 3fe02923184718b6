// Package blobs is the Blob Index (§4.E): the content-addressed catalog
// lookup surface, plus the read-path orchestration that combines a blob
// lookup with quarantine suppression (§4.G) before streaming bytes back
// from the object store. Grounded on the teacher's pattern of a thin
// lookup service in front of a metadata repository (e.g.
// satellite/metabase's digest/size lookups) fronting object-store reads.
package blobs

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("blobs")

// Index exposes the read-only lookups over the Blob catalog.
type Index struct {
	store store.Store
}

// NewIndex constructs an Index over the given metadata store.
func NewIndex(st store.Store) *Index {
	return &Index{store: st}
}

// Exists reports whether digest has a catalog row.
func (idx *Index) Exists(ctx context.Context, digest string) (bool, error) {
	return idx.store.Blobs().Exists(ctx, digest)
}

// Length returns the single length associated with digest (Invariant 1).
func (idx *Index) Length(ctx context.Context, digest string) (int64, error) {
	b, err := idx.store.Blobs().Get(ctx, digest)
	if err != nil {
		return 0, err
	}
	return b.Length, nil
}

// StorageKey returns the object-store key backing digest.
func (idx *Index) StorageKey(ctx context.Context, digest string) (string, error) {
	b, err := idx.store.Blobs().Get(ctx, digest)
	if err != nil {
		return "", err
	}
	return b.StorageKey, nil
}

// CommittedInRepo is the repository-scoped reachability predicate of §4.E,
// used by Version Assembly (§4.F) to enforce Invariant 4.
func (idx *Index) CommittedInRepo(ctx context.Context, repoID, digest string) (bool, error) {
	return idx.store.Blobs().CommittedInRepo(ctx, repoID, digest)
}

// Suppressor decides whether reads of digest within repoID must be
// suppressed. Implemented by pkg/policy's Gate; declared here rather than
// imported to avoid a package cycle (blobs is a read-path leaf).
type Suppressor interface {
	IsSuppressed(ctx context.Context, repoID, digest string) (bool, error)
}

// Reader serves GET /v1/repos/{k}/blobs/{digest}: blob lookup, quarantine
// suppression, then a (possibly ranged) object-store download.
type Reader struct {
	store      store.Store
	objects    objectstore.Store
	suppressor Suppressor
}

// NewReader constructs a Reader.
func NewReader(st store.Store, objects objectstore.Store, suppressor Suppressor) *Reader {
	return &Reader{store: st, objects: objects, suppressor: suppressor}
}

// Get implements §4.G "Read-path suppression": a blob GET is rejected with
// 423 if any artifact entry in repoID referencing digest belongs to a
// quarantined or rejected version, regardless of other reachability.
func (r *Reader) Get(ctx context.Context, repoID, digest string, byteRange *objectstore.ByteRange) (*objectstore.Object, error) {
	blob, err := r.store.Blobs().Get(ctx, digest)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("blob", "blob not found")
		}
		return nil, apierr.Unavailable("store_error", err.Error())
	}

	suppressed, serr := r.suppressor.IsSuppressed(ctx, repoID, digest)
	if serr != nil {
		return nil, apierr.Unavailable("store_error", serr.Error())
	}
	if suppressed {
		return nil, apierr.Locked("quarantined_blob", "this blob is quarantined and cannot be read")
	}

	obj, oerr := r.objects.Download(ctx, blob.StorageKey, byteRange)
	if oerr != nil {
		se, ok := objectstore.AsStoreError(oerr)
		if !ok {
			return nil, apierr.Unavailable("object_store_error", oerr.Error())
		}
		switch se.Kind {
		case objectstore.KindNotFound:
			return nil, apierr.NotFound("blob", "blob bytes not found in object store")
		case objectstore.KindInvalidRange:
			return nil, apierr.RangeInvalid(se.Error())
		case objectstore.KindInvalidRequest:
			return nil, apierr.Validation("range", se.Error())
		default:
			return nil, apierr.Unavailable("object_store_unavailable", se.Error())
		}
	}
	return obj, nil
}
