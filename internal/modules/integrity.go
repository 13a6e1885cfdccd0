package modules

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrIntegrityMismatch is returned when fetched code does not match the
// digest listed in the content map.
var ErrIntegrityMismatch = errors.New("integrity mismatch")

var integrityHashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Integrity returns the subresource integrity string for data.
func Integrity(algorithm string, data []byte) (string, error) {
	newHash, ok := integrityHashes[algorithm]
	if !ok {
		return "", fmt.Errorf("unsupported integrity algorithm %q", algorithm)
	}
	h := newHash()
	h.Write(data)
	return algorithm + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// VerifyIntegrity checks data against an integrity attribute value, which may
// list several space-separated digests. Any matching digest passes.
func VerifyIntegrity(integrity string, data []byte) error {
	fields := strings.Fields(integrity)
	if len(fields) == 0 {
		return fmt.Errorf("%w: no digest", ErrIntegrityMismatch)
	}

	known := false
	for _, f := range fields {
		algorithm, _, ok := strings.Cut(f, "-")
		if !ok {
			continue
		}
		if _, supported := integrityHashes[algorithm]; !supported {
			continue
		}
		known = true

		want, _ := Integrity(algorithm, data)
		// options after '?' are allowed by the format and ignored
		got, _, _ := strings.Cut(f, "?")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return nil
		}
	}
	if !known {
		return fmt.Errorf("%w: no supported digest in %q", ErrIntegrityMismatch, integrity)
	}
	return ErrIntegrityMismatch
}
