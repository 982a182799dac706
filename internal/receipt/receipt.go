package receipt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"ReceiptChain/internal/canonical"
	xerrors "ReceiptChain/internal/errors"
)

// ChainStatus is the lifecycle state of a receipt's ledger commitment.
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainCommitted ChainStatus = "committed"
	ChainConfirmed ChainStatus = "confirmed"
	ChainFailed    ChainStatus = "failed"
)

// ChainReference records where a receipt was committed.
type ChainReference struct {
	Ledger        string      `json:"ledger"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Confirmations uint64      `json:"confirmations"`
	Status        ChainStatus `json:"status"`
	BlockHeight   *uint64     `json:"block_height,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Receipt is a signed proof that a byte-exact package was hashed at a point
// in time.
type Receipt struct {
	ReceiptID      string          `json:"receipt_id"`
	PackageHash    string          `json:"package_hash"`
	HashAlgorithm  HashAlgorithm   `json:"hash_algorithm"`
	CreatedAt      time.Time       `json:"created_at"`
	SubjectID      string          `json:"subject_id,omitempty"`
	Severity       string          `json:"severity,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Signature      string          `json:"signature"`
	ChainReference *ChainReference `json:"chain_reference"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// UnmarshalJSON keeps metadata numbers exact so the signed fields survive an
// export/import cycle unchanged.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type alias Receipt
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Metadata = nil
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		return nil
	}
	decoded, err := canonical.Decode(aux.Metadata)
	if err != nil {
		return err
	}
	meta, ok := decoded.(map[string]any)
	if !ok {
		return xerrors.New(xerrors.CodeStructuralInvalid, "receipt metadata must be an object")
	}
	r.Metadata = meta
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ChainReference != nil {
		ref := *r.ChainReference
		if ref.BlockHeight != nil {
			h := *ref.BlockHeight
			ref.BlockHeight = &h
		}
		clone.ChainReference = &ref
	}
	clone.Metadata = cloneValue(r.Metadata).(map[string]any)
	return &clone
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ApplyChainReference moves the chain reference forward. Allowed moves are
// pending -> committed -> confirmed|failed, a failed commitment may start
// over as pending, and the current state may be refreshed in place (for
// example to update confirmations). A confirmed reference is final.
func (r *Receipt) ApplyChainReference(ref ChainReference) error {
	if !validStatus(ref.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown chain status %q", ref.Status))
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now().UTC()
	}
	current := r.ChainReference
	if current == nil {
		r.ChainReference = &ref
		return nil
	}
	if !allowedTransition(current.Status, ref.Status) {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("chain reference cannot move from %s to %s", current.Status, ref.Status))
	}
	r.ChainReference = &ref
	return nil
}

func validStatus(s ChainStatus) bool {
	switch s {
	case ChainPending, ChainCommitted, ChainConfirmed, ChainFailed:
		return true
	}
	return false
}

func allowedTransition(from, to ChainStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case ChainPending:
		return to == ChainCommitted || to == ChainConfirmed || to == ChainFailed
	case ChainCommitted:
		return to == ChainConfirmed || to == ChainFailed
	case ChainFailed:
		return to == ChainPending || to == ChainCommitted
	}
	return false
}

const (
	maxMetadataKey   = 128
	maxMetadataValue = 4096
)

// SanitizeMetadata normalizes annotations into canonical primitives, strips
// control characters from keys and strings, drops keys that end up empty and
// truncates oversized strings. Nesting beyond codec's bound, or two keys that
// clean to the same name, is an error.
func SanitizeMetadata(meta map[string]any, codec *canonical.Codec) (map[string]any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	if codec == nil {
		codec = canonical.New()
	}
	normalized, err := codec.Normalize(meta)
	if err != nil {
		return nil, err
	}
	value, err := sanitizeValue(normalized)
	if err != nil {
		return nil, err
	}
	cleaned, _ := value.(map[string]any)
	if len(cleaned) == 0 {
		return nil, nil
	}
	return cleaned, nil
}

func sanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key := truncate(stripControl(strings.TrimSpace(k)), maxMetadataKey)
			if key == "" {
				continue
			}
			if _, dup := out[key]; dup {
				return nil, xerrors.New(xerrors.CodeStructuralInvalid, "metadata keys collide after cleaning",
					xerrors.WithMetadata("key", key))
			}
			cleaned, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = cleaned
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			cleaned, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case string:
		return truncate(stripControl(val), maxMetadataValue), nil
	default:
		return v, nil
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
