package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// S3Config configures the minio-go-backed Store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
	Region    string
}

// S3Store implements Store over an S3-compatible object store via
// minio-go/v7, the client library the teacher's go.mod requires directly
// (as github.com/minio/minio-go) for the same role.
type S3Store struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewS3Store dials the object store described by cfg.
func NewS3Store(cfg S3Config, log *zap.Logger) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (s *S3Store) StartMultipart(ctx context.Context, key string) (*MultipartUpload, error) {
	core := minio.Core{Client: s.client}
	uploadID, err := core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return nil, classify("start_multipart", key, err)
	}
	return &MultipartUpload{UploadID: uploadID, Key: key}, nil
}

func (s *S3Store) PresignPart(ctx context.Context, key, uploadID string, n int, expiry time.Duration) (*PresignedPart, error) {
	if n < 1 {
		return nil, newStoreErr(KindInvalidRequest, "presign_part", key, fmt.Errorf("part number must be >= 1, got %d", n))
	}
	// Presign is a best-effort local signing call; it still
	// consults the client's region cache, which may require a prior
	// BucketLocation round trip on first use, but does not move bytes.
	u, err := s.client.Presign(ctx, http.MethodPut, s.bucket, key, expiry, partQuery(uploadID, n))
	if err != nil {
		return nil, classify("presign_part", key, err)
	}
	return &PresignedPart{URL: u.String(), N: n, Expiry: expiry}, nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	if len(parts) == 0 {
		return newStoreErr(KindInvalidRequest, "complete_multipart", key, fmt.Errorf("no parts supplied"))
	}
	dedup := map[int]Part{}
	for _, p := range parts {
		if p.ETag == "" {
			return newStoreErr(KindInvalidRequest, "complete_multipart", key, fmt.Errorf("part %d has empty etag", p.N))
		}
		dedup[p.N] = p
	}
	ordered := make([]Part, 0, len(dedup))
	for _, p := range dedup {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].N < ordered[j].N })

	completeParts := make([]minio.CompletePart, 0, len(ordered))
	for _, p := range ordered {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.N,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}
	core := minio.Core{Client: s.client}
	_, err := core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return classify("complete_multipart", key, err)
	}
	return nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	core := minio.Core{Client: s.client}
	err := core.AbortMultipartUpload(ctx, s.bucket, key, uploadID)
	if err != nil {
		se := classify("abort_multipart", key, err)
		if se.Kind == KindNotFound {
			return nil // idempotent on NotFound, per §4.B
		}
		return se
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string, byteRange *ByteRange) (*Object, error) {
	opts := minio.GetObjectOptions{}
	if byteRange != nil {
		if byteRange.Start < 0 || byteRange.End < byteRange.Start {
			return nil, newStoreErr(KindInvalidRequest, "download", key, fmt.Errorf("invalid range %+v", byteRange))
		}
		if err := opts.SetRange(byteRange.Start, byteRange.End); err != nil {
			return nil, newStoreErr(KindInvalidRange, "download", key, err)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, classify("download", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, classify("download", key, err)
	}
	status := http.StatusOK
	contentRange := ""
	if byteRange != nil {
		status = http.StatusPartialContent
		contentRange = fmt.Sprintf("bytes %d-%d/%d", byteRange.Start, byteRange.End, info.Size)
	}
	return &Object{
		Stream:       obj,
		Length:       info.Size,
		ContentType:  info.ContentType,
		ETag:         strings.Trim(info.ETag, `"`),
		ContentRange: contentRange,
		Status:       status,
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		se := classify("delete", key, err)
		if se.Kind == KindNotFound {
			return nil // NotFound is success for GC, per §4.B
		}
		return se
	}
	return nil
}

func (s *S3Store) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify("check_availability", s.bucket, err)
	}
	if !ok {
		return newStoreErr(KindNotFound, "check_availability", s.bucket, fmt.Errorf("bucket does not exist"))
	}
	return nil
}

func partQuery(uploadID string, n int) map[string]string {
	return map[string]string{
		"uploadId":   uploadID,
		"partNumber": fmt.Sprintf("%d", n),
	}
}

// classify maps a minio-go error response onto the §4.B error kinds.
// AccessDenied is classified as KindAccessDenied; it is never surfaced as
// a 4xx (per §4.B): the upload engine and blob reader map it to 503 and
// the fault is treated as a deployment misconfiguration.
func classify(op, key string, err error) *StoreError {
	errResp := minio.ToErrorResponse(err)
	switch errResp.Code {
	case "NoSuchKey", "NoSuchUpload", "NoSuchBucket", "NotFound":
		return newStoreErr(KindNotFound, op, key, err)
	case "InvalidRange":
		return newStoreErr(KindInvalidRange, op, key, err)
	case "AccessDenied":
		return newStoreErr(KindAccessDenied, op, key, err)
	case "InvalidArgument", "InvalidPart", "InvalidPartOrder", "MalformedXML":
		return newStoreErr(KindInvalidRequest, op, key, err)
	}
	if errResp.StatusCode >= 500 || errResp.StatusCode == 0 {
		return newStoreErr(KindTransientFailure, op, key, err)
	}
	return newStoreErr(KindUnexpectedFailure, op, key, err)
}
