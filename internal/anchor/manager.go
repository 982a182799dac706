// Package anchor commits receipts to ledgers under the security tier
// policy and verifies them end to end.
package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/observability/metrics"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/internal/tier"
	"ReceiptChain/pkg/logger"
)

// Registry resolves ledger names to adapters.
type Registry interface {
	Default() string
	Lookup(name string) (ledger.Adapter, ledger.ChainConfig, error)
}

// PayloadFormatter renders an envelope into the bytes a ledger family
// accepts.
type PayloadFormatter func(kind ledger.Kind, env ledger.Envelope) ([]byte, error)

// Manager selects adapters, enforces tier policy and records commitments on
// receipts. It is safe for concurrent use as long as each receipt is owned
// by one caller at a time.
type Manager struct {
	registry Registry
	policy   *tier.Policy
	format   PayloadFormatter
	verifier *receipt.Verifier
	hasher   *receipt.Hasher
	now      func() time.Time
	logger   *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithPolicy replaces the default tier policy.
func WithPolicy(p *tier.Policy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithFormatter replaces ledger.Format.
func WithFormatter(f PayloadFormatter) Option {
	return func(m *Manager) {
		if f != nil {
			m.format = f
		}
	}
}

// WithVerifier sets the public key used by Verify. Without one every
// signature check fails.
func WithVerifier(v *receipt.Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithHasher sets the codec bounds Verify hashes packages with.
func WithHasher(h *receipt.Hasher) Option {
	return func(m *Manager) {
		if h != nil {
			m.hasher = h
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager over registry.
func NewManager(registry Registry, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "anchor manager requires a ledger registry")
	}
	hasher, err := receipt.NewHasher(receipt.HashSHA256, nil)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		registry: registry,
		policy:   tier.DefaultPolicy(),
		format:   ledger.Format,
		hasher:   hasher,
		now:      time.Now,
		logger:   logger.Named("anchor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// CommitRequest asks for one receipt to be committed. Package is consulted
// only when the resolved tier allows full exposure; otherwise it is dropped
// before any payload is built.
type CommitRequest struct {
	Receipt        *receipt.Receipt
	Classification string
	Ledger         string
	Package        any
}

// Commit resolves the tier, formats the payload and submits it. Policy and
// structural problems are returned as errors and nothing is submitted. A
// ledger failure is not an error: it yields a failed commitment, and the
// receipt stays valid and can be committed again.
func (m *Manager) Commit(ctx context.Context, req CommitRequest) (ledger.Commitment, error) {
	r := req.Receipt
	if r == nil || r.ReceiptID == "" || r.PackageHash == "" {
		return ledger.Commitment{}, xerrors.New(xerrors.CodeInvalidArgument, "commit requires an issued receipt")
	}
	if r.ChainReference != nil && r.ChainReference.Status == receipt.ChainConfirmed {
		return ledger.Commitment{}, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("receipt %s is already confirmed on %s", r.ReceiptID, r.ChainReference.Ledger))
	}

	name := m.ledgerName(req.Ledger)
	t, err := m.checkTier(req.Classification, name)
	if err != nil {
		return ledger.Commitment{}, err
	}
	env := tier.Restrict(t, ledger.Envelope{
		ReceiptID:   r.ReceiptID,
		PackageHash: r.PackageHash,
		Timestamp:   r.CreatedAt,
		Tags:        receiptTags(r),
		Package:     req.Package,
	})
	req.Package = nil

	commitment, err := m.submit(ctx, name, env)
	if err != nil {
		return ledger.Commitment{}, err
	}
	if err := r.ApplyChainReference(chainReference(commitment)); err != nil {
		return commitment, err
	}
	logger.Audit().Info("commitment submitted",
		slog.String("receipt_id", r.ReceiptID),
		slog.String("package_hash", r.PackageHash),
		slog.String("ledger", commitment.Ledger),
		slog.String("tier", string(t.Level)),
		slog.String("exposure", string(env.Exposure)),
		slog.String("status", string(commitment.Status)),
		slog.String("tx_reference", commitment.TxReference),
	)
	return commitment, nil
}

// EstimateFee prices a commitment of payloadSize bytes on the named ledger.
func (m *Manager) EstimateFee(ctx context.Context, ledgerName string, payloadSize int) (ledger.Commitment, error) {
	adapter, cfg, err := m.registry.Lookup(m.ledgerName(ledgerName))
	if err != nil {
		return ledger.Commitment{}, err
	}
	fee, err := adapter.EstimateFee(ctx, payloadSize, cfg)
	if err != nil {
		return ledger.Commitment{}, err
	}
	return ledger.Commitment{Ledger: adapter.Name(), FeePaid: fee}, nil
}

func (m *Manager) ledgerName(name string) string {
	if name == "" {
		return m.registry.Default()
	}
	return name
}

func (m *Manager) checkTier(classification, name string) (tier.Tier, error) {
	t, err := m.policy.Check(classification, name)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeLedgerDenied {
			metrics.ObserveTierDenial(string(t.Level), name)
			m.logger.Warn("ledger denied by tier policy",
				slog.String("tier", string(t.Level)),
				slog.String("ledger", name))
		}
		return tier.Tier{}, err
	}
	return t, nil
}

// submit formats env for the named ledger and hands it to the adapter.
func (m *Manager) submit(ctx context.Context, name string, env ledger.Envelope) (ledger.Commitment, error) {
	adapter, cfg, err := m.registry.Lookup(name)
	if err != nil {
		return ledger.Commitment{}, err
	}
	payload, err := m.format(cfg.Kind(), env)
	if err != nil {
		return ledger.Commitment{}, err
	}
	if limit := cfg.MaxPayloadBytes(); limit > 0 && len(payload) > limit {
		return ledger.Commitment{}, xerrors.New(xerrors.CodePayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit of %s", len(payload), limit, name),
			xerrors.WithMetadata("ledger", name))
	}

	start := m.now()
	commitment, err := adapter.Commit(ctx, payload, cfg)
	if err != nil {
		m.logger.Warn("ledger commit failed",
			slog.String("ledger", name),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		commitment = ledger.Commitment{
			Ledger:        name,
			Status:        ledger.StatusFailed,
			FailureReason: err.Error(),
			SubmittedAt:   start.UTC(),
		}
	}
	if commitment.Ledger == "" {
		commitment.Ledger = name
	}
	if commitment.SubmittedAt.IsZero() {
		commitment.SubmittedAt = start.UTC()
	}
	metrics.ObserveCommitment(name, string(commitment.Status), m.now().Sub(start))
	return commitment, nil
}

// Confirmation is a ledger verification judged against a threshold.
type Confirmation struct {
	ledger.VerificationResult
	Ledger    string `json:"ledger"`
	Threshold uint64 `json:"threshold"`
	Satisfied bool   `json:"satisfied"`
}

// VerifyCommitment re-queries the ledger for txRef and reports whether it
// has at least threshold confirmations. Ledger errors are returned and are
// retryable.
func (m *Manager) VerifyCommitment(ctx context.Context, ledgerName, txRef string, threshold uint64) (Confirmation, error) {
	name := m.ledgerName(ledgerName)
	adapter, cfg, err := m.registry.Lookup(name)
	if err != nil {
		return Confirmation{}, err
	}
	result, err := adapter.Verify(ctx, txRef, cfg)
	if err != nil {
		return Confirmation{}, err
	}
	c := Confirmation{VerificationResult: result, Ledger: name, Threshold: threshold}
	c.Satisfied = result.Found && result.Status != ledger.StatusFailed && result.Confirmations >= threshold
	metrics.ObserveVerification(metrics.StageLedger, c.Satisfied)
	logger.Audit().Info("commitment verified",
		slog.String("ledger", name),
		slog.String("tx_reference", txRef),
		slog.Uint64("confirmations", result.Confirmations),
		slog.Uint64("threshold", threshold),
		slog.Bool("satisfied", c.Satisfied),
	)
	return c, nil
}

// Refresh verifies r's recorded commitment and moves its chain reference
// forward: to confirmed once threshold is met, to failed when the ledger
// no longer knows the transaction.
func (m *Manager) Refresh(ctx context.Context, r *receipt.Receipt, threshold uint64) (Confirmation, error) {
	if r == nil || r.ChainReference == nil || r.ChainReference.TransactionID == "" {
		return Confirmation{}, xerrors.New(xerrors.CodeInvalidArgument, "receipt has no recorded commitment")
	}
	ref := *r.ChainReference
	c, err := m.VerifyCommitment(ctx, ref.Ledger, ref.TransactionID, threshold)
	if err != nil {
		return Confirmation{}, err
	}
	ref.Confirmations = c.Confirmations
	ref.BlockHeight = c.BlockHeight
	ref.UpdatedAt = m.now().UTC()
	switch {
	case c.Satisfied:
		ref.Status = receipt.ChainConfirmed
	case !c.Found || c.Status == ledger.StatusFailed:
		ref.Status = receipt.ChainFailed
	}
	return c, r.ApplyChainReference(ref)
}

// Retrieve returns the payload committed in txRef.
func (m *Manager) Retrieve(ctx context.Context, ledgerName, txRef string) ([]byte, error) {
	adapter, cfg, err := m.registry.Lookup(m.ledgerName(ledgerName))
	if err != nil {
		return nil, err
	}
	return adapter.Retrieve(ctx, txRef, cfg)
}

func receiptTags(r *receipt.Receipt) map[string]string {
	tags := map[string]string{}
	if r.SubjectID != "" {
		tags["subject_id"] = r.SubjectID
	}
	if r.Severity != "" {
		tags["severity"] = r.Severity
	}
	if r.Kind != "" {
		tags["kind"] = r.Kind
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func chainReference(c ledger.Commitment) receipt.ChainReference {
	status := receipt.ChainCommitted
	switch c.Status {
	case ledger.StatusConfirmed:
		status = receipt.ChainConfirmed
	case ledger.StatusFailed:
		status = receipt.ChainFailed
	}
	return receipt.ChainReference{
		Ledger:        c.Ledger,
		TransactionID: c.TxReference,
		Confirmations: c.Confirmations,
		Status:        status,
		BlockHeight:   c.BlockHeight,
		UpdatedAt:     c.SubmittedAt,
	}
}
