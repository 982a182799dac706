package receipt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// SignerKind identifies how a signature was produced.
type SignerKind string

const (
	SignerRSAPSS      SignerKind = "rsa-pss-sha256"
	SignerPlaceholder SignerKind = "placeholder"
)

// PlaceholderPrefix tags signatures that carry no cryptographic weight.
const PlaceholderPrefix = "MOCK_"

// MinRSABits is the smallest accepted RSA modulus.
const MinRSABits = 2048

// Signer produces the signature stored on a receipt. The implementation is
// chosen once when a Generator is built.
type Signer interface {
	Kind() SignerKind
	Sign(message []byte) (string, error)
}

// RSASigner signs with RSA-PSS, SHA-256 and MGF1(SHA-256).
type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner wraps key. Keys shorter than MinRSABits are refused.
func NewRSASigner(key *rsa.PrivateKey) (*RSASigner, error) {
	if key == nil {
		return nil, errors.New("rsa signer requires a private key")
	}
	if key.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("rsa key is %d bits, need at least %d", key.N.BitLen(), MinRSABits)
	}
	return &RSASigner{key: key}, nil
}

// Kind implements Signer.
func (s *RSASigner) Kind() SignerKind { return SignerRSAPSS }

// Sign returns the base64 signature of message.
func (s *RSASigner) Sign(message []byte) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("rsa-pss sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verifier returns the matching verifier.
func (s *RSASigner) Verifier() *Verifier {
	return &Verifier{key: &s.key.PublicKey}
}

// PlaceholderSigner emits a tagged, non-cryptographic signature so the
// pipeline can run without key material. No Verifier accepts its output.
type PlaceholderSigner struct{}

// Kind implements Signer.
func (PlaceholderSigner) Kind() SignerKind { return SignerPlaceholder }

// Sign returns MOCK_ followed by a truncated digest of message.
func (PlaceholderSigner) Sign(message []byte) (string, error) {
	sum := sha256.Sum256(message)
	return PlaceholderPrefix + hex.EncodeToString(sum[:16]), nil
}

// GenerateKey creates a fresh RSA key of the given size.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		bits = 3072
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// LoadPrivateKey reads a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return ParsePrivateKeyPEM(content)
}

// ParsePrivateKeyPEM decodes a PEM encoded RSA private key.
func ParsePrivateKeyPEM(content []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(content)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an RSA key")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// ParsePublicKeyPEM decodes a PEM encoded PKIX or PKCS#1 RSA public key.
func ParsePublicKeyPEM(content []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(content)
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not an RSA key")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// EncodePrivateKeyPEM renders key as PKCS#8 PEM.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM renders key as PKIX PEM.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
