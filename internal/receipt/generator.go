package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ReceiptChain/internal/canonical"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/observability/metrics"
	"ReceiptChain/pkg/logger"
)

// Tags are classification labels supplied by the producer. They are opaque
// to this package.
type Tags struct {
	SubjectID string `json:"subject_id,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Request is one package to receipt.
type Request struct {
	Package  any
	Tags     Tags
	Metadata map[string]any
}

// ErrGateRejected is returned, with no receipt, when a pre-publication gate
// refuses the package.
var ErrGateRejected = xerrors.New(xerrors.CodeGateRejected, "")

// signingDepth bounds the signed metadata block; annotations are already
// bounded by the package codec when they are sanitized.
const signingDepth = 64

var signingCodec = canonical.New(canonical.WithMaxDepth(signingDepth))

// Generator issues receipts. It keeps no mutable state after construction
// and is safe for concurrent use.
type Generator struct {
	hasher         *Hasher
	signer         Signer
	validation     Predicate
	settlement     Predicate
	settlementMode SettlementMode
	now            func() time.Time
	nonce          func() string
	logger         *slog.Logger
}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

// WithHasher sets the digest algorithm and codec bounds.
func WithHasher(h *Hasher) GeneratorOption {
	return func(g *Generator) {
		if h != nil {
			g.hasher = h
		}
	}
}

// WithSigner selects the signer variant.
func WithSigner(s Signer) GeneratorOption {
	return func(g *Generator) {
		if s != nil {
			g.signer = s
		}
	}
}

// WithValidation installs the content validation gate.
func WithValidation(p Predicate) GeneratorOption {
	return func(g *Generator) {
		g.validation = p
	}
}

// WithSettlement installs the settlement gate.
func WithSettlement(p Predicate) GeneratorOption {
	return func(g *Generator) {
		g.settlement = p
	}
}

// WithSettlementMode decides what happens when no settlement gate exists.
func WithSettlementMode(mode SettlementMode) GeneratorOption {
	return func(g *Generator) {
		if mode != "" {
			g.settlementMode = mode
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator builds a Generator. Without options it hashes with SHA-256,
// signs with a PlaceholderSigner and assumes settlement; the last two are
// logged as warnings so the permissive setup is never silent.
func NewGenerator(opts ...GeneratorOption) *Generator {
	hasher, _ := NewHasher(HashSHA256, nil)
	g := &Generator{
		hasher:         hasher,
		signer:         PlaceholderSigner{},
		settlementMode: SettlementAssumed,
		now:            time.Now,
		nonce:          uuid.NewString,
		logger:         logger.Named("receipt"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.signer.Kind() == SignerPlaceholder {
		g.logger.Warn("no signing key configured, receipts carry placeholder signatures")
	}
	if g.settlement == nil && g.settlementMode == SettlementAssumed {
		g.logger.Warn("no settlement gate configured, packages are assumed settled",
			slog.String("settlement_mode", string(g.settlementMode)))
	}
	return g
}

// Algorithm returns the digest algorithm used for new receipts.
func (g *Generator) Algorithm() HashAlgorithm { return g.hasher.Algorithm() }

// SignerKind returns the configured signer variant.
func (g *Generator) SignerKind() SignerKind { return g.signer.Kind() }

// HashPackage returns the hex digest of pkg. It has no side effects.
func (g *Generator) HashPackage(pkg any) (string, error) {
	return g.hasher.HashPackage(pkg)
}

// ClaimFunc is offered each freshly signed receipt before it is reported as
// issued. It returns the receipt already held for the same package, or nil
// when the candidate now owns it.
type ClaimFunc func(ctx context.Context, candidate *Receipt) (*Receipt, error)

// Generate issues a receipt for req. Structural problems are returned as
// structural errors. When a gate refuses, the result is (nil,
// ErrGateRejected) and no digest of the package has been computed.
func (g *Generator) Generate(ctx context.Context, req Request) (*Receipt, error) {
	r, _, err := g.Issue(ctx, req, nil)
	return r, err
}

// Issue is Generate with a claim step. When claim returns an existing
// receipt, the candidate is discarded and the existing one is returned with
// deduplicated set; only claimed candidates are audited as issued.
func (g *Generator) Issue(ctx context.Context, req Request, claim ClaimFunc) (*Receipt, bool, error) {
	receipt, err := g.generate(ctx, req)
	if err != nil {
		metrics.ObserveReceiptRejected(string(xerrors.CodeOf(err)))
		return nil, false, err
	}
	if claim != nil {
		existing, err := claim(ctx, receipt)
		if err != nil {
			metrics.ObserveReceiptRejected(string(xerrors.CodeOf(err)))
			return nil, false, err
		}
		if existing != nil {
			metrics.ObserveReceiptDeduplicated(string(receipt.HashAlgorithm))
			logger.Audit().Info("receipt deduplicated",
				slog.String("receipt_id", existing.ReceiptID),
				slog.String("package_hash", existing.PackageHash),
				slog.String("subject_id", req.Tags.SubjectID),
			)
			return existing, true, nil
		}
	}
	metrics.ObserveReceiptIssued(string(receipt.HashAlgorithm), string(g.signer.Kind()))
	logger.Audit().Info("receipt issued",
		slog.String("receipt_id", receipt.ReceiptID),
		slog.String("package_hash", receipt.PackageHash),
		slog.String("hash_algorithm", string(receipt.HashAlgorithm)),
		slog.String("signer", string(g.signer.Kind())),
		slog.String("subject_id", receipt.SubjectID),
	)
	return receipt, false, nil
}

func (g *Generator) generate(ctx context.Context, req Request) (*Receipt, error) {
	encoded, err := g.hasher.Codec().Marshal(req.Package)
	if err != nil {
		return nil, err
	}
	meta, err := SanitizeMetadata(req.Metadata, g.hasher.Codec())
	if err != nil {
		return nil, err
	}

	if err := g.checkGates(ctx, req); err != nil {
		return nil, err
	}

	packageHash, err := g.hasher.Algorithm().Sum(encoded)
	if err != nil {
		return nil, err
	}

	createdAt := g.now().UTC().Truncate(time.Microsecond)
	receipt := &Receipt{
		PackageHash:   packageHash,
		HashAlgorithm: g.hasher.Algorithm(),
		CreatedAt:     createdAt,
		SubjectID:     req.Tags.SubjectID,
		Severity:      req.Tags.Severity,
		Kind:          req.Tags.Kind,
		Metadata:      meta,
	}
	receipt.ReceiptID = deriveReceiptID(packageHash, createdAt, g.nonce())

	message, err := SigningMessage(receipt)
	if err != nil {
		return nil, err
	}
	signature, err := g.signer.Sign(message)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "signing failed")
	}
	receipt.Signature = signature
	return receipt, nil
}

func (g *Generator) checkGates(ctx context.Context, req Request) error {
	if g.validation != nil {
		if err := runGate(ctx, g.validation, req); err != nil {
			return err
		}
	}
	if g.settlement == nil {
		if g.settlementMode == SettlementRequired {
			return xerrors.New(xerrors.CodeGateRejected, "settlement is required but no settlement gate is configured",
				xerrors.WithMetadata("gate", "settlement"))
		}
		return nil
	}
	return runGate(ctx, g.settlement, req)
}

func runGate(ctx context.Context, p Predicate, req Request) error {
	ok, err := p.Allow(ctx, req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeGateRejected, err, fmt.Sprintf("gate %s failed", p.Name()),
			xerrors.WithMetadata("gate", p.Name()))
	}
	if !ok {
		return xerrors.New(xerrors.CodeGateRejected, fmt.Sprintf("gate %s refused the package", p.Name()),
			xerrors.WithMetadata("gate", p.Name()))
	}
	return nil
}

// deriveReceiptID hashes the package digest, the timestamp and a fresh
// random nonce, so identical packages never share an identifier.
func deriveReceiptID(packageHash string, createdAt time.Time, nonce string) string {
	h := sha256.New()
	h.Write([]byte(packageHash))
	h.Write([]byte(canonical.FormatTime(createdAt)))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// SigningMessage returns receipt_id|package_hash|canonical(metadata block).
// The metadata block holds the timestamp, the hash algorithm, non-empty tags
// and the annotations.
func SigningMessage(r *Receipt) ([]byte, error) {
	block := map[string]any{
		"created_at":     canonical.FormatTime(r.CreatedAt),
		"hash_algorithm": string(r.HashAlgorithm),
	}
	if r.SubjectID != "" {
		block["subject_id"] = r.SubjectID
	}
	if r.Severity != "" {
		block["severity"] = r.Severity
	}
	if r.Kind != "" {
		block["kind"] = r.Kind
	}
	if len(r.Metadata) > 0 {
		block["metadata"] = r.Metadata
	}
	encoded, err := signingCodec.Marshal(block)
	if err != nil {
		return nil, err
	}
	message := make([]byte, 0, len(r.ReceiptID)+len(r.PackageHash)+len(encoded)+2)
	message = append(message, r.ReceiptID...)
	message = append(message, '|')
	message = append(message, r.PackageHash...)
	message = append(message, '|')
	message = append(message, encoded...)
	return message, nil
}
