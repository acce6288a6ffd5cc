// Package digest is the fixed content-hash used for every evidence item.
//
// The algorithm is SHA-256 and is not negotiable at runtime: changing it is a
// schema change, because digests already anchored on-chain must keep verifying.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Algorithm is the identifier stored next to every digest.
const Algorithm = "sha256"

// Size is the digest length in bytes.
const Size = sha256.Size

// ErrInvalid is returned by Parse for malformed input.
var ErrInvalid = errors.New("invalid digest")

// Digest is a SHA-256 hash of an evidence payload. It is a comparable value type.
type Digest [Size]byte

// Sum returns the digest of payload.
func Sum(payload []byte) Digest {
	return Digest(sha256.Sum256(payload))
}

// SumReader hashes everything readable from r.
func SumReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("hash payload: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Parse decodes a 64-character hex digest. An optional "sha256:" prefix is accepted.
func Parse(s string) (Digest, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), Algorithm+":")
	if len(s) != hex.EncodedLen(Size) {
		return Digest{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalid, hex.EncodedLen(Size), len(s))
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(s))); err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return d, nil
}

// FromBytes copies a raw 32-byte hash into a Digest.
func FromBytes(b []byte) (Digest, error) {
	if len(b) != Size {
		return Digest{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, Size, len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Hex returns the lowercase hex encoding.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// String implements fmt.Stringer.
func (d Digest) String() string { return d.Hex() }

// Bytes returns a copy of the raw hash.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// IsZero reports whether d is the all-zero value, which never comes out of Sum
// in practice and is treated as "unset".
func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
