package anchor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/merkle"
	"ReceiptChain/internal/receipt"
)

// VerifyRequest describes one end-to-end verification. Disclosure is
// checked when set; the ledger stage runs when CheckLedger is set and the
// receipt records a transaction.
type VerifyRequest struct {
	Receipt     *receipt.Receipt
	Package     any
	Disclosure  *merkle.Disclosure
	CheckLedger bool
	Threshold   uint64
}

// Report holds one boolean per stage. Merkle and Ledger are nil when the
// stage was not requested.
type Report struct {
	ReceiptID     string `json:"receipt_id"`
	Hash          bool   `json:"hash"`
	Signature     bool   `json:"signature"`
	Merkle        *bool  `json:"merkle,omitempty"`
	Ledger        *bool  `json:"ledger,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	Valid         bool   `json:"valid"`
}

// Verify runs the hash, signature, disclosure and ledger stages. Only ledger
// transport failures are returned as errors; every other failure is a false
// stage.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) (Report, error) {
	r := req.Receipt
	if r == nil {
		return Report{}, nil
	}
	report := Report{ReceiptID: r.ReceiptID}
	report.Hash = receipt.MatchesPackage(r, req.Package, m.hasher.Codec())
	if m.verifier != nil {
		report.Signature = m.verifier.VerifySignature(r)
	}
	valid := report.Hash && report.Signature

	if req.Disclosure != nil {
		ok := disclosureBinds(*req.Disclosure, r) && merkle.VerifyDisclosure(*req.Disclosure)
		report.Merkle = &ok
		valid = valid && ok
	}

	if req.CheckLedger {
		ok, confirmations, err := m.verifyLedger(ctx, r, req.Disclosure, req.Threshold)
		if err != nil {
			return report, err
		}
		report.Ledger = &ok
		report.Confirmations = confirmations
		valid = valid && ok
	}
	report.Valid = valid
	return report, nil
}

// disclosureBinds reports whether d was revealed for r itself. The proof's
// leaf must be r's package hash; the disclosed copy must carry r's id, hash
// and signature.
func disclosureBinds(d merkle.Disclosure, r *receipt.Receipt) bool {
	dr := d.Receipt
	if dr == nil || dr.ReceiptID != r.ReceiptID || dr.Signature != r.Signature {
		return false
	}
	return receipt.EqualDigests(d.Proof.LeafDigest, r.PackageHash) &&
		receipt.EqualDigests(dr.PackageHash, r.PackageHash)
}

// verifyLedger checks the recorded transaction has enough confirmations and
// that its payload binds this receipt, or the disclosed batch root.
func (m *Manager) verifyLedger(ctx context.Context, r *receipt.Receipt, d *merkle.Disclosure, threshold uint64) (bool, uint64, error) {
	ref := r.ChainReference
	if ref == nil || ref.TransactionID == "" {
		return false, 0, nil
	}
	c, err := m.VerifyCommitment(ctx, ref.Ledger, ref.TransactionID, threshold)
	if err != nil {
		return false, 0, err
	}
	if !c.Satisfied {
		return false, c.Confirmations, nil
	}

	adapter, cfg, err := m.registry.Lookup(ref.Ledger)
	if err != nil {
		return false, c.Confirmations, err
	}
	payload, err := adapter.Retrieve(ctx, ref.TransactionID, cfg)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeLedgerNotFound {
			return false, c.Confirmations, nil
		}
		return false, c.Confirmations, err
	}
	id, hash := r.ReceiptID, r.PackageHash
	if d != nil && d.RootDigest != "" {
		id, hash = BatchID(d.RootDigest), d.RootDigest
	}
	ok := payloadBinds(cfg.Kind(), payload, id, hash)
	if !ok {
		m.logger.Debug("ledger payload does not bind receipt",
			slog.String("receipt_id", r.ReceiptID),
			slog.String("tx_reference", ref.TransactionID))
	}
	return ok, c.Confirmations, nil
}

func payloadBinds(kind ledger.Kind, payload []byte, id, hash string) bool {
	switch kind {
	case ledger.KindUTXO:
		rec, err := ledger.DecodeUTXO(payload)
		return err == nil && rec.Matches(id, hash)
	case ledger.KindEVM:
		p, err := ledger.DecodeEVM(payload)
		return err == nil && p.ReceiptID == id && receipt.EqualDigests(p.PackageHash, hash)
	}
	return false
}

// VerifyAll verifies reqs with at most limit concurrent verifications.
// Reports keep the order of reqs.
func (m *Manager) VerifyAll(ctx context.Context, reqs []VerifyRequest, limit int) ([]Report, error) {
	reports := make([]Report, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range reqs {
		i := i
		g.Go(func() error {
			report, err := m.Verify(gctx, reqs[i])
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
