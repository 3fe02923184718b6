// Package objectstore is the Object Store Adapter (§4.B): multipart
// init/presign/complete/abort, ranged download, and delete over an
// S3-compatible API, with the classified error kinds §4.B and §7 require.
// The real implementation (S3Store, in s3.go) wraps
// github.com/minio/minio-go/v7, the same S3 client family the teacher's
// go.mod requires directly for its gateway/benchmark tooling. A Memory
// fake (in memory.go) backs unit tests for every package that depends on
// this contract without a live bucket.
package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error is the package's error class.
var Error = errs.Class("objectstore")

// ErrorKind is the closed classification of §4.B.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidRequest
	KindNotFound
	KindInvalidRange
	KindAccessDenied
	KindTransientFailure
	KindUnexpectedFailure
)

// StoreError wraps an underlying failure with its classification.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Key  string
	err  error
}

func (e *StoreError) Error() string {
	return Error.New("%s %s: %v", e.Op, e.Key, e.err).Error()
}
func (e *StoreError) Unwrap() error { return e.err }

func newStoreErr(kind ErrorKind, op, key string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Key: key, err: err}
}

// AsStoreError extracts a *StoreError from an error chain.
func AsStoreError(err error) (*StoreError, bool) {
	for err != nil {
		if se, ok := err.(*StoreError); ok {
			return se, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Part is one uploaded multipart segment, sorted ascending by N with
// ascending-unique N enforced by CompleteMultipart implementations.
type Part struct {
	N    int
	ETag string
}

// ByteRange is an inclusive [Start, End] byte range. Suffix ranges and
// multi-range requests are rejected upstream (at the HTTP layer) before
// reaching this contract, per §4.B.
type ByteRange struct {
	Start int64
	End   int64
}

// Object is a downloaded object: a stream plus metadata and a release hook
// that must be called exactly once on every exit path (§9 "Ownership of
// streaming downloads").
type Object struct {
	Stream        io.ReadCloser
	Length        int64
	ContentType   string
	ETag          string
	ContentRange  string
	Status        int
	released      bool
}

// Release closes the underlying stream. Safe to call more than once.
func (o *Object) Release() error {
	if o.released || o.Stream == nil {
		return nil
	}
	o.released = true
	return o.Stream.Close()
}

// MultipartUpload is the result of starting a multipart upload.
type MultipartUpload struct {
	UploadID string
	Key      string
}

// PresignedPart is a presigned PUT URL for part N.
type PresignedPart struct {
	URL    string
	N      int
	Expiry time.Duration
}

// Store is the Object Store Adapter contract. Every operation is
// cancellable via ctx and may suspend on network I/O (§5 "Suspension
// points"). PresignPart itself is local/non-suspending per §5, but still
// takes a ctx for symmetry and future-proofing against presign schemes that
// call out to a KMS.
type Store interface {
	StartMultipart(ctx context.Context, key string) (*MultipartUpload, error)
	PresignPart(ctx context.Context, key, uploadID string, n int, expiry time.Duration) (*PresignedPart, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Download(ctx context.Context, key string, byteRange *ByteRange) (*Object, error)
	Delete(ctx context.Context, key string) error
	CheckAvailability(ctx context.Context) error
}
