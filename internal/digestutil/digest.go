// Package digestutil validates and computes the lowercase-hex digests used
// throughout Artifortress's content-addressed model.
package digestutil

import (
	"context"
	"crypto/sha1"  //nolint:gosec // sha1 is an optional supplementary checksum field, not the addressing digest
	"crypto/sha256"
	"encoding/hex"
	"io"
)

const streamBufferSize = 64 * 1024 // 64 KiB, per §4.D commit verification

// IsSHA256Hex reports whether s is a 64-character lowercase hex string.
func IsSHA256Hex(s string) bool { return isLowerHex(s, 64) }

// IsSHA1Hex reports whether s is a 40-character lowercase hex string.
func IsSHA1Hex(s string) bool { return isLowerHex(s, 40) }

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// SumSHA256Hex returns the lowercase-hex SHA-256 digest of data.
func SumSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumSHA1Hex returns the lowercase-hex SHA-1 digest of data.
func SumSHA1Hex(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// VerifyStream reads r to EOF in streamBufferSize chunks, returning the
// SHA-256 digest and total length. Used by the upload-commit verification
// path (§4.D) so the whole staged object is never buffered in memory.
func VerifyStream(ctx context.Context, r io.Reader) (digest string, length int64, err error) {
	h := sha256.New()
	buf := make([]byte, streamBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			length += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), length, nil
}
