// Package ledger defines the chain-agnostic commitment abstraction: the
// adapter capability set, immutable chain configuration, the RPC allow-list
// and the payload layouts each ledger family accepts.
package ledger

import (
	"context"
	"math/big"
	"time"
)

// Status is the state of a commitment as reported by a ledger.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Commitment is the result of submitting a payload.
type Commitment struct {
	TxReference   string    `json:"tx_reference"`
	Ledger        string    `json:"ledger"`
	BlockHeight   *uint64   `json:"block_height,omitempty"`
	Confirmations uint64    `json:"confirmations"`
	Status        Status    `json:"status"`
	FeePaid       *big.Int  `json:"fee_paid,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// VerificationResult is what a ledger currently reports for a transaction.
type VerificationResult struct {
	TxReference   string  `json:"tx_reference"`
	Found         bool    `json:"found"`
	Status        Status  `json:"status"`
	Confirmations uint64  `json:"confirmations"`
	BlockHeight   *uint64 `json:"block_height,omitempty"`
}

// Adapter is implemented once per ledger family. Implementations serialize
// their own RPC traffic; callers may share one adapter across goroutines.
type Adapter interface {
	// Name is the registry key, e.g. "ethereum" or "bitcoin".
	Name() string
	Kind() Kind
	Commit(ctx context.Context, payload []byte, cfg ChainConfig) (Commitment, error)
	Verify(ctx context.Context, txRef string, cfg ChainConfig) (VerificationResult, error)
	// Retrieve returns the committed payload, or nil when the transaction
	// carries none.
	Retrieve(ctx context.Context, txRef string, cfg ChainConfig) ([]byte, error)
	// EstimateFee returns the cost in the ledger's base unit (wei, satoshi).
	EstimateFee(ctx context.Context, size int, cfg ChainConfig) (*big.Int, error)
	Close()
}
