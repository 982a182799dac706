package receipt

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ReceiptChain/internal/canonical"
	"ReceiptChain/internal/observability/metrics"
	"ReceiptChain/pkg/logger"
)

// Verifier checks receipts against an RSA public key. There is no verifier
// for placeholder signatures, so they can never pass.
type Verifier struct {
	key   *rsa.PublicKey
	codec *canonical.Codec
}

// NewVerifier wraps an RSA public key. codec bounds the packages accepted by
// VerifyReceipt; nil uses the defaults.
func NewVerifier(key *rsa.PublicKey, codec *canonical.Codec) (*Verifier, error) {
	if key == nil {
		return nil, errors.New("verifier requires an rsa public key")
	}
	if key.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("rsa key is %d bits, need at least %d", key.N.BitLen(), MinRSABits)
	}
	return &Verifier{key: key, codec: codec}, nil
}

// PublicKey returns the key signatures are checked against.
func (v *Verifier) PublicKey() *rsa.PublicKey { return v.key }

// VerifySignature recomputes the signed message and checks the signature.
// Every failure is reported as false; the cause is logged at debug level.
func (v *Verifier) VerifySignature(r *Receipt) bool {
	ok := v.verifySignature(r)
	metrics.ObserveVerification(metrics.StageSignature, ok)
	return ok
}

func (v *Verifier) verifySignature(r *Receipt) bool {
	log := logger.Named("receipt.verify")
	if r == nil || v == nil || v.key == nil {
		return false
	}
	if r.Signature == "" || strings.HasPrefix(r.Signature, PlaceholderPrefix) {
		log.Debug("signature rejected", slog.String("receipt_id", r.ReceiptID), slog.String("reason", "placeholder or empty"))
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		log.Debug("signature rejected", slog.String("receipt_id", r.ReceiptID), slog.Any("error", err))
		return false
	}
	message, err := SigningMessage(r)
	if err != nil {
		log.Debug("signature rejected", slog.String("receipt_id", r.ReceiptID), slog.Any("error", err))
		return false
	}
	digest := sha256.Sum256(message)
	err = rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		log.Debug("signature rejected", slog.String("receipt_id", r.ReceiptID), slog.Any("error", err))
		return false
	}
	return true
}

// VerifyReceipt recomputes the package digest with the receipt's algorithm,
// compares it in constant time and then checks the signature.
func (v *Verifier) VerifyReceipt(r *Receipt, pkg any) bool {
	if r == nil {
		return false
	}
	if !MatchesPackage(r, pkg, v.codec) {
		metrics.ObserveVerification(metrics.StageHash, false)
		return false
	}
	metrics.ObserveVerification(metrics.StageHash, true)
	return v.VerifySignature(r)
}

// MatchesPackage reports whether pkg hashes to the receipt's package_hash.
// It needs no key material and never returns an error.
func MatchesPackage(r *Receipt, pkg any, codec *canonical.Codec) bool {
	if r == nil {
		return false
	}
	hasher, err := NewHasher(r.HashAlgorithm, codec)
	if err != nil {
		return false
	}
	digest, err := hasher.HashPackage(pkg)
	if err != nil {
		logger.Named("receipt.verify").Debug("package not hashable",
			slog.String("receipt_id", r.ReceiptID), slog.Any("error", err))
		return false
	}
	return EqualDigests(digest, r.PackageHash)
}

// EqualDigests compares two hex digests in constant time. Malformed hex never
// matches.
func EqualDigests(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(ab) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}
