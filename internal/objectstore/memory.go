package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process fake of Store used by every package's unit tests.
// It stores completed objects in memory and models multipart state so
// commit-time verification logic can be exercised deterministically.
type Memory struct {
	mu         sync.Mutex
	objects    map[string][]byte
	multiparts map[string]*memoryMultipart
	Unavailable bool // when true, StartMultipart and CheckAvailability return KindTransientFailure; other operations ignore it
}

type memoryMultipart struct {
	key   string
	parts map[int][]byte
	etags map[int]string
	done  bool
}

// NewMemory constructs an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{
		objects:    map[string][]byte{},
		multiparts: map[string]*memoryMultipart{},
	}
}

// Stage records data as part partN of multipart upload uploadID for key
// (creating the upload if absent) and returns the part's etag — used by
// tests to simulate a client having finished streaming to a presigned URL
// before Complete/Commit is called.
func (m *Memory) Stage(key, uploadID string, partN int, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.multiparts[uploadID]
	if !ok {
		mp = &memoryMultipart{key: key, parts: map[int][]byte{}, etags: map[int]string{}}
		m.multiparts[uploadID] = mp
	}
	sum := sha256.Sum256(data)
	etag := fmt.Sprintf("%x", sum)
	mp.parts[partN] = append([]byte(nil), data...)
	mp.etags[partN] = etag
	return etag
}

func (m *Memory) unavailableErr(op, key string) error {
	return newStoreErr(KindTransientFailure, op, key, fmt.Errorf("object store unavailable"))
}

func (m *Memory) StartMultipart(ctx context.Context, key string) (*MultipartUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, m.unavailableErr("start_multipart", key)
	}
	uploadID := uuid.NewString()
	m.multiparts[uploadID] = &memoryMultipart{key: key, parts: map[int][]byte{}, etags: map[int]string{}}
	return &MultipartUpload{UploadID: uploadID, Key: key}, nil
}

func (m *Memory) PresignPart(ctx context.Context, key, uploadID string, n int, expiry time.Duration) (*PresignedPart, error) {
	if n < 1 {
		return nil, newStoreErr(KindInvalidRequest, "presign_part", key, fmt.Errorf("part number must be >= 1"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.multiparts[uploadID]; !ok {
		return nil, newStoreErr(KindNotFound, "presign_part", key, fmt.Errorf("no such upload %s", uploadID))
	}
	return &PresignedPart{
		URL:    fmt.Sprintf("memory://%s/%s?part=%d", key, uploadID, n),
		N:      n,
		Expiry: expiry,
	}, nil
}

func (m *Memory) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	if len(parts) == 0 {
		return newStoreErr(KindInvalidRequest, "complete_multipart", key, fmt.Errorf("no parts supplied"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.multiparts[uploadID]
	if !ok {
		return newStoreErr(KindNotFound, "complete_multipart", key, fmt.Errorf("no such upload %s", uploadID))
	}
	seen := map[int]bool{}
	for _, p := range parts {
		if p.ETag == "" {
			return newStoreErr(KindInvalidRequest, "complete_multipart", key, fmt.Errorf("part %d missing etag", p.N))
		}
		seen[p.N] = true
	}
	var buf bytes.Buffer
	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sortInts(nums)
	for _, n := range nums {
		data, ok := mp.parts[n]
		if !ok {
			return newStoreErr(KindInvalidRequest, "complete_multipart", key, fmt.Errorf("part %d was never staged", n))
		}
		buf.Write(data)
	}
	m.objects[key] = buf.Bytes()
	mp.done = true
	return nil
}

func (m *Memory) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.multiparts, uploadID)
	return nil // NotFound-as-success is the default here too.
}

func (m *Memory) Download(ctx context.Context, key string, byteRange *ByteRange) (*Object, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, newStoreErr(KindNotFound, "download", key, fmt.Errorf("no such object %s", key))
	}
	if byteRange == nil {
		return &Object{Stream: io.NopCloser(bytes.NewReader(data)), Length: int64(len(data)), Status: 200}, nil
	}
	if byteRange.Start < 0 || byteRange.End < byteRange.Start {
		return nil, newStoreErr(KindInvalidRequest, "download", key, fmt.Errorf("invalid range"))
	}
	if byteRange.Start >= int64(len(data)) {
		return nil, newStoreErr(KindInvalidRange, "download", key, fmt.Errorf("range out of bounds"))
	}
	end := byteRange.End
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	slice := data[byteRange.Start : end+1]
	return &Object{
		Stream:       io.NopCloser(bytes.NewReader(slice)),
		Length:       int64(len(slice)),
		Status:       206,
		ContentRange: fmt.Sprintf("bytes %d-%d/%d", byteRange.Start, end, len(data)),
	}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) CheckAvailability(ctx context.Context) error {
	if m.Unavailable {
		return m.unavailableErr("check_availability", "")
	}
	return nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
