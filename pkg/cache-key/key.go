package cachekey

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/route-cache/pkg/digest"
)

const separator = ":"

// Generator derives a cache key from a request.
// The request it receives is a copy; consuming its body is safe.
type Generator func(r *http.Request) (string, error)

// Resolve returns the cache key for the request.
// If override is not nil, key derivation is delegated to it entirely,
// otherwise the Default scheme is used.
// Both receive an independent copy of r, and when Resolve returns,
// the body of r will still be readable from the beginning.
func Resolve(r *http.Request, override Generator) (string, error) {
	req, err := copyRequest(r)
	if err != nil {
		return "", err
	}
	if override != nil {
		return override(req)
	}
	return Default(req)
}

// Default is the default key scheme.
// If it is not a POST request, the key is the URL combined with the method.
// If it is a POST request, the key also includes a digest of the body,
// so that e.g. GraphQL queries to the same endpoint get separate keys.
// Default consumes the body of r.
func Default(r *http.Request) (string, error) {
	key := r.URL.String() + separator + r.Method
	if r.Method != http.MethodPost {
		return key, nil
	}
	var bodyHash string
	if r.Body == nil {
		bodyHash = digest.Hash(nil)
	} else {
		h, err := digest.HashReader(r.Body)
		if err != nil {
			return "", fmt.Errorf("could not hash request body: %w", err)
		}
		bodyHash = h
	}
	return key + separator + bodyHash, nil
}

// copyRequest returns a copy of r with its own body.
// The body of r is read in full and rewound.
func copyRequest(r *http.Request) (*http.Request, error) {
	req := r.Clone(r.Context())
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("could not read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = r.GetBody
	return req, nil
}
