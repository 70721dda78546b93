package hash

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Algo identifies a supported digest algorithm.
type Algo string

const (
	SHA1   Algo = "sha1"
	SHA256 Algo = "sha256"
	SHA512 Algo = "sha512"
)

func (a Algo) size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	}
	return 0
}

// Hash is a typed digest: an algorithm tag plus the raw bytes. Equality is
// by algorithm and bytes.
type Hash struct {
	Algo  Algo
	Bytes []byte
}

// Sum computes the digest of data under the given algorithm.
func Sum(algo Algo, data []byte) Hash {
	switch algo {
	case SHA1:
		sum := sha1.Sum(data)
		return Hash{Algo: algo, Bytes: sum[:]}
	case SHA256:
		sum := sha256.Sum256(data)
		return Hash{Algo: algo, Bytes: sum[:]}
	case SHA512:
		sum := sha512.Sum512(data)
		return Hash{Algo: algo, Bytes: sum[:]}
	}
	panic(fmt.Sprintf("unknown hash algorithm %q", algo))
}

// FromHex parses a raw-hex digest. The length must match the algorithm.
func FromHex(algo Algo, s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid %s hash %q: %w", algo, s, err)
	}
	if len(b) != algo.size() {
		return Hash{}, fmt.Errorf("invalid %s hash %q: expected %d hex characters", algo, s, algo.size()*2)
	}
	return Hash{Algo: algo, Bytes: b}, nil
}

// ParseSRI parses an SRI-form digest, e.g. "sha256-<base64>".
func ParseSRI(s string) (Hash, error) {
	algoStr, b64, ok := strings.Cut(s, "-")
	if !ok {
		return Hash{}, fmt.Errorf("hash %q is not in SRI format", s)
	}
	algo := Algo(algoStr)
	if algo.size() == 0 {
		return Hash{}, fmt.Errorf("hash %q has unknown algorithm %q", s, algoStr)
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid SRI hash %q: %w", s, err)
	}
	if len(b) != algo.size() {
		return Hash{}, fmt.Errorf("invalid SRI hash %q: wrong digest length for %s", s, algo)
	}
	return Hash{Algo: algo, Bytes: b}, nil
}

// Parse accepts the SRI form always, and the legacy "<algo>:<hex>" form only
// when allowLegacy is set.
func Parse(s string, allowLegacy bool) (Hash, error) {
	if allowLegacy {
		if algoStr, hexStr, ok := strings.Cut(s, ":"); ok {
			return FromHex(Algo(algoStr), hexStr)
		}
	}
	return ParseSRI(s)
}

// Hex returns the raw lowercase hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h.Bytes)
}

// GitRev returns the 40-character git revision form. Only valid for SHA-1.
func (h Hash) GitRev() string {
	if h.Algo != SHA1 {
		panic(fmt.Sprintf("git revision requested for %s hash", h.Algo))
	}
	return h.Hex()
}

// SRI returns the "<algo>-<base64>" encoding.
func (h Hash) SRI() string {
	return string(h.Algo) + "-" + base64.StdEncoding.EncodeToString(h.Bytes)
}

func (h Hash) Equal(o Hash) bool {
	return h.Algo == o.Algo && bytes.Equal(h.Bytes, o.Bytes)
}

// Defined reports whether the hash holds a digest.
func (h Hash) Defined() bool {
	return len(h.Bytes) > 0
}
