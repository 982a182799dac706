package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/merkle"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/pkg/logger"
)

// Batch is a set of receipts committed through one Merkle root.
type Batch struct {
	ID         string            `json:"batch_id"`
	Tree       *merkle.Tree      `json:"-"`
	Commitment ledger.Commitment `json:"commitment"`
}

// BatchID derives the identifier a batch is committed under from its root.
func BatchID(root string) string {
	sum := sha256.Sum256([]byte("batch|" + root))
	return hex.EncodeToString(sum[:])
}

// CommitBatch builds a Merkle tree over receipts and commits only its root.
// The payload is hash-only whatever the tier allows; classification still
// decides which ledgers may carry it. Every receipt's chain reference points
// at the batch transaction, and holders use Batch.Tree.Reveal to prove
// membership.
func (m *Manager) CommitBatch(ctx context.Context, receipts []*receipt.Receipt, classification, ledgerName string) (*Batch, error) {
	for _, r := range receipts {
		if r != nil && r.ChainReference != nil && r.ChainReference.Status == receipt.ChainConfirmed {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("receipt %s is already confirmed", r.ReceiptID))
		}
	}
	tree, err := merkle.Build(receipts)
	if err != nil {
		return nil, err
	}

	name := m.ledgerName(ledgerName)
	if _, err := m.checkTier(classification, name); err != nil {
		return nil, err
	}
	root := tree.RootDigest()
	batch := &Batch{ID: BatchID(root), Tree: tree}
	commitment, err := m.submit(ctx, name, ledger.Envelope{
		ReceiptID:   batch.ID,
		PackageHash: root,
		Timestamp:   m.now().UTC(),
		Exposure:    ledger.ExposureHashOnly,
	})
	if err != nil {
		return nil, err
	}
	batch.Commitment = commitment

	ref := chainReference(commitment)
	for _, r := range receipts {
		if err := r.ApplyChainReference(ref); err != nil {
			return batch, err
		}
	}
	logger.Audit().Info("batch commitment submitted",
		slog.String("batch_id", batch.ID),
		slog.String("root_digest", root),
		slog.Int("receipts", tree.Len()),
		slog.String("ledger", commitment.Ledger),
		slog.String("status", string(commitment.Status)),
		slog.String("tx_reference", commitment.TxReference),
	)
	return batch, nil
}
