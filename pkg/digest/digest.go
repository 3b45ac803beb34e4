// Package digest hashes request payloads for content-addressed cache keys.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

// Hash returns the lowercase hex SHA-1 digest of data.
func Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashReader consumes r and returns the lowercase hex SHA-1 digest of its contents.
func HashReader(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
