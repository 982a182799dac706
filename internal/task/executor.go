package task

import (
	"context"
	"fmt"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/receipt"
)

// ReceiptStore is the slice of the receipt repository a commit job needs.
type ReceiptStore interface {
	Get(ctx context.Context, id string) (*receipt.Receipt, error)
	UpdateChainReference(ctx context.Context, id string, ref receipt.ChainReference) (*receipt.Receipt, error)
}

// Committer submits a receipt to a ledger.
type Committer interface {
	Commit(ctx context.Context, req anchor.CommitRequest) (ledger.Commitment, error)
}

// CommitExecutor loads the job's receipt, commits it and stores the new
// chain reference. A ledger failure becomes a retryable error once the
// failed reference has been recorded.
type CommitExecutor struct {
	receipts  ReceiptStore
	committer Committer
}

func NewCommitExecutor(receipts ReceiptStore, committer Committer) *CommitExecutor {
	return &CommitExecutor{receipts: receipts, committer: committer}
}

// Execute implements Executor.
func (e *CommitExecutor) Execute(ctx context.Context, task *Task) (*CommitResult, error) {
	r, err := e.receipts.Get(ctx, task.ReceiptID)
	if err != nil {
		return nil, err
	}
	// A previous attempt may have reached the ledger before its job state
	// was recorded.
	if ref := r.ChainReference; ref != nil && ref.TransactionID != "" &&
		(ref.Status == receipt.ChainCommitted || ref.Status == receipt.ChainConfirmed) {
		return resultFromReference(ref), nil
	}

	commitment, err := e.committer.Commit(ctx, anchor.CommitRequest{
		Receipt:        r,
		Classification: task.Classification,
		Ledger:         task.Ledger,
	})
	if err != nil {
		return nil, err
	}
	if r.ChainReference != nil {
		if _, err := e.receipts.UpdateChainReference(ctx, r.ReceiptID, *r.ChainReference); err != nil {
			return nil, err
		}
	}

	result := &CommitResult{
		TxReference:   commitment.TxReference,
		Ledger:        commitment.Ledger,
		Status:        commitment.Status,
		Confirmations: commitment.Confirmations,
	}
	if commitment.FeePaid != nil {
		result.FeePaid = commitment.FeePaid.String()
	}
	if commitment.Status == ledger.StatusFailed {
		return nil, xerrors.New(xerrors.CodeLedgerUnavailable,
			fmt.Sprintf("commit to %s failed: %s", commitment.Ledger, commitment.FailureReason),
			xerrors.WithMetadata("ledger", commitment.Ledger))
	}
	return result, nil
}

func resultFromReference(ref *receipt.ChainReference) *CommitResult {
	status := ledger.StatusPending
	if ref.Status == receipt.ChainConfirmed {
		status = ledger.StatusConfirmed
	}
	return &CommitResult{
		TxReference:   ref.TransactionID,
		Ledger:        ref.Ledger,
		Status:        status,
		Confirmations: ref.Confirmations,
	}
}
