package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"ReceiptChain/internal/canonical"
	xerrors "ReceiptChain/internal/errors"
)

// Exposure controls how much of a receipt may leave the system.
type Exposure string

const (
	// ExposureHashOnly transmits identifiers and the digest only.
	ExposureHashOnly Exposure = "hash_only"
	// ExposureControlled adds classification tags.
	ExposureControlled Exposure = "controlled"
	// ExposureFull adds the package itself.
	ExposureFull Exposure = "full"
)

// Envelope is the material a payload is built from. Package is nil unless
// the exposure mode is full.
type Envelope struct {
	ReceiptID   string
	PackageHash string
	Timestamp   time.Time
	Exposure    Exposure
	Tags        map[string]string
	Package     any
}

const (
	utxoIDBytes   = 32
	utxoHashBytes = 32
)

// UTXORecord is the decoded form of an 80-byte OP_RETURN payload.
type UTXORecord struct {
	ReceiptIDPrefix   string
	PackageHashPrefix string
	Timestamp         time.Time
}

// FormatUTXO packs env into 80 bytes: the first 32 characters of the receipt
// id, the first 32 characters of the package hash, an 8-byte big-endian
// Unix timestamp and 8 reserved zero bytes. Tags and package never fit and
// are not encoded.
func FormatUTXO(env Envelope) ([]byte, error) {
	if len(env.ReceiptID) < utxoIDBytes || len(env.PackageHash) < utxoHashBytes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "receipt id and package hash must be at least 32 characters")
	}
	out := make([]byte, UTXOPayloadBytes)
	copy(out[0:32], env.ReceiptID[:utxoIDBytes])
	copy(out[32:64], env.PackageHash[:utxoHashBytes])
	binary.BigEndian.PutUint64(out[64:72], uint64(env.Timestamp.Unix()))
	return out, nil
}

// DecodeUTXO reverses FormatUTXO.
func DecodeUTXO(payload []byte) (UTXORecord, error) {
	if len(payload) != UTXOPayloadBytes {
		return UTXORecord{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("utxo payload is %d bytes, want %d", len(payload), UTXOPayloadBytes))
	}
	if !bytes.Equal(payload[72:], make([]byte, 8)) {
		return UTXORecord{}, xerrors.New(xerrors.CodeInvalidArgument, "utxo payload reserved bytes are not zero")
	}
	return UTXORecord{
		ReceiptIDPrefix:   string(payload[0:32]),
		PackageHashPrefix: string(payload[32:64]),
		Timestamp:         time.Unix(int64(binary.BigEndian.Uint64(payload[64:72])), 0).UTC(),
	}, nil
}

// EVMPayload is the structured event payload committed to EVM chains.
type EVMPayload struct {
	ReceiptID   string            `json:"receipt_id"`
	PackageHash string            `json:"package_hash"`
	Timestamp   string            `json:"timestamp"`
	Tags        map[string]string `json:"tags,omitempty"`
	Package     json.RawMessage   `json:"package,omitempty"`
}

// FormatEVM renders env as canonical JSON {receipt_id, package_hash,
// timestamp}, with tags for controlled exposure and the package for full
// exposure.
func FormatEVM(env Envelope) ([]byte, error) {
	body := map[string]any{
		"receipt_id":   env.ReceiptID,
		"package_hash": env.PackageHash,
		"timestamp":    canonical.FormatTime(env.Timestamp),
	}
	switch env.Exposure {
	case ExposureControlled:
		if len(env.Tags) > 0 {
			body["tags"] = env.Tags
		}
	case ExposureFull:
		if len(env.Tags) > 0 {
			body["tags"] = env.Tags
		}
		if env.Package != nil {
			body["package"] = env.Package
		}
	}
	return canonical.New(canonical.WithMaxDepth(canonical.DefaultMaxDepth + 1)).Marshal(body)
}

// DecodeEVM parses an EVM payload.
func DecodeEVM(payload []byte) (EVMPayload, error) {
	var out EVMPayload
	if err := json.Unmarshal(payload, &out); err != nil {
		return EVMPayload{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "evm payload is not valid JSON")
	}
	return out, nil
}

// Format picks the layout for kind.
func Format(kind Kind, env Envelope) ([]byte, error) {
	switch kind {
	case KindUTXO:
		return FormatUTXO(env)
	case KindEVM:
		return FormatEVM(env)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("no payload layout for ledger type %q", kind))
	}
}

// Matches reports whether rec was produced for the given receipt.
func (rec UTXORecord) Matches(receiptID, packageHash string) bool {
	return len(receiptID) >= utxoIDBytes && len(packageHash) >= utxoHashBytes &&
		rec.ReceiptIDPrefix == receiptID[:utxoIDBytes] &&
		rec.PackageHashPrefix == packageHash[:utxoHashBytes]
}
