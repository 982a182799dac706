package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"ReceiptChain/internal/canonical"
	xerrors "ReceiptChain/internal/errors"
)

// HashAlgorithm names the digest used for package hashes.
type HashAlgorithm string

const (
	HashSHA256  HashAlgorithm = "sha256"
	HashBLAKE2b HashAlgorithm = "blake2b"
)

// ParseHashAlgorithm accepts "sha256" (also the empty string) and "blake2b".
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256", "sha-256":
		return HashSHA256, nil
	case "blake2b", "blake2b-256", "blake2b256":
		return HashBLAKE2b, nil
	default:
		return "", xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("unsupported hash algorithm %q", name))
	}
}

// Sum returns the hex digest of data.
func (a HashAlgorithm) Sum(data []byte) (string, error) {
	switch a {
	case HashSHA256, "":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashBLAKE2b:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported hash algorithm %q", a))
	}
}

// Hasher computes package digests. It holds no mutable state.
type Hasher struct {
	algorithm HashAlgorithm
	codec     *canonical.Codec
}

// NewHasher builds a Hasher. A nil codec uses the default bounds.
func NewHasher(algorithm HashAlgorithm, codec *canonical.Codec) (*Hasher, error) {
	if _, err := algorithm.Sum(nil); err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = HashSHA256
	}
	if codec == nil {
		codec = canonical.New()
	}
	return &Hasher{algorithm: algorithm, codec: codec}, nil
}

// Algorithm returns the configured algorithm.
func (h *Hasher) Algorithm() HashAlgorithm { return h.algorithm }

// Codec returns the codec used before hashing.
func (h *Hasher) Codec() *canonical.Codec { return h.codec }

// HashPackage canonicalizes pkg and returns its hex digest.
func (h *Hasher) HashPackage(pkg any) (string, error) {
	encoded, err := h.codec.Marshal(pkg)
	if err != nil {
		return "", err
	}
	return h.algorithm.Sum(encoded)
}

// HashPackage hashes pkg with SHA-256 and the default codec bounds.
func HashPackage(pkg any) (string, error) {
	encoded, err := canonical.Marshal(pkg)
	if err != nil {
		return "", err
	}
	return HashSHA256.Sum(encoded)
}
