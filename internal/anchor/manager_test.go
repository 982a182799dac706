package anchor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/ledger/provider"
	"ReceiptChain/internal/receipt"
)

// fakeLedger records every payload it is handed.
type fakeLedger struct {
	mu        sync.Mutex
	name      string
	kind      ledger.Kind
	commitErr error
	payloads  [][]byte
	stored    map[string][]byte
	confs     uint64
}

func newFakeLedger(name string, kind ledger.Kind) *fakeLedger {
	return &fakeLedger{name: name, kind: kind, stored: map[string][]byte{}}
}

func (f *fakeLedger) Name() string      { return f.name }
func (f *fakeLedger) Kind() ledger.Kind { return f.kind }

func (f *fakeLedger) Commit(_ context.Context, payload []byte, _ ledger.ChainConfig) (ledger.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, append([]byte{}, payload...))
	if f.commitErr != nil {
		return ledger.Commitment{}, f.commitErr
	}
	tx := fmt.Sprintf("%s-tx-%d", f.name, len(f.payloads))
	f.stored[tx] = append([]byte{}, payload...)
	return ledger.Commitment{TxReference: tx, Ledger: f.name, Status: ledger.StatusPending, FeePaid: big.NewInt(42)}, nil
}

func (f *fakeLedger) Verify(_ context.Context, txRef string, _ ledger.ChainConfig) (ledger.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stored[txRef]; !ok {
		return ledger.VerificationResult{TxReference: txRef, Status: ledger.StatusFailed}, nil
	}
	status := ledger.StatusPending
	if f.confs > 0 {
		status = ledger.StatusConfirmed
	}
	return ledger.VerificationResult{TxReference: txRef, Found: true, Status: status, Confirmations: f.confs}, nil
}

func (f *fakeLedger) Retrieve(_ context.Context, txRef string, _ ledger.ChainConfig) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.stored[txRef]
	if !ok {
		return nil, xerrors.New(xerrors.CodeLedgerNotFound, txRef)
	}
	return payload, nil
}

func (f *fakeLedger) EstimateFee(_ context.Context, size int, _ ledger.ChainConfig) (*big.Int, error) {
	return big.NewInt(int64(size) * 10), nil
}

func (f *fakeLedger) Close() {}

func (f *fakeLedger) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads
}

type fixture struct {
	manager  *Manager
	ledgers  map[string]*fakeLedger
	envelope []ledger.Envelope
	gen      *receipt.Generator
	signer   *receipt.RSASigner
}

var (
	keyOnce sync.Once
	testKey *receipt.RSASigner
)

func signer(t *testing.T) *receipt.RSASigner {
	t.Helper()
	keyOnce.Do(func() {
		key, err := receipt.GenerateKey(receipt.MinRSABits)
		require.NoError(t, err)
		testKey, err = receipt.NewRSASigner(key)
		require.NoError(t, err)
	})
	return testKey
}

func newFixture(t *testing.T, params ...ledger.ChainParams) *fixture {
	t.Helper()
	if len(params) == 0 {
		params = []ledger.ChainParams{
			{Name: "bitcoin", Kind: ledger.KindUTXO, RPCURL: "http://127.0.0.1:8332"},
			{Name: "ethereum", Kind: ledger.KindEVM, RPCURL: "https://mainnet.infura.io/v3/key"},
			{Name: "private-evm", Kind: ledger.KindEVM, RPCURL: "http://localhost:8545"},
		}
	}
	f := &fixture{ledgers: map[string]*fakeLedger{}}
	adapters := map[string]ledger.Adapter{}
	configs := map[string]ledger.ChainConfig{}
	for _, p := range params {
		cfg, err := ledger.NewChainConfig(p, ledger.DefaultAllowList())
		require.NoError(t, err)
		fake := newFakeLedger(p.Name, p.Kind)
		f.ledgers[p.Name] = fake
		adapters[p.Name] = fake
		configs[p.Name] = cfg
	}
	registry, err := provider.NewStaticRegistry(params[0].Name, adapters, configs)
	require.NoError(t, err)

	f.signer = signer(t)
	recordFormat := func(kind ledger.Kind, env ledger.Envelope) ([]byte, error) {
		f.envelope = append(f.envelope, env)
		return ledger.Format(kind, env)
	}
	f.manager, err = NewManager(registry, WithFormatter(recordFormat), WithVerifier(f.signer.Verifier()))
	require.NoError(t, err)
	f.gen = receipt.NewGenerator(receipt.WithSigner(f.signer))
	return f
}

func (f *fixture) issue(t *testing.T, pkg map[string]any) *receipt.Receipt {
	t.Helper()
	r, err := f.gen.Generate(context.Background(), receipt.Request{
		Package: pkg,
		Tags:    receipt.Tags{SubjectID: "subject-7", Severity: "high", Kind: "sighting"},
	})
	require.NoError(t, err)
	return r
}

func secretPackage() map[string]any {
	return map[string]any{"block": 825000, "source": "HUMINT-42", "notes": "asset location"}
}

func TestClassifiedCommitNeverTransmitsPackage(t *testing.T) {
	for _, name := range []string{"bitcoin", "private-evm"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			pkg := secretPackage()
			r := f.issue(t, pkg)

			commitment, err := f.manager.Commit(context.Background(), CommitRequest{
				Receipt:        r,
				Classification: "classified",
				Ledger:         name,
				Package:        pkg,
			})
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusPending, commitment.Status)

			require.Len(t, f.envelope, 1)
			env := f.envelope[0]
			assert.Nil(t, env.Package)
			assert.Nil(t, env.Tags)
			assert.Equal(t, ledger.ExposureHashOnly, env.Exposure)
			assert.Equal(t, r.PackageHash, env.PackageHash)

			sent := f.ledgers[name].sent()
			require.Len(t, sent, 1)
			assert.NotContains(t, string(sent[0]), "HUMINT-42")
			assert.NotContains(t, string(sent[0]), "asset location")
			assert.NotContains(t, string(sent[0]), "subject-7")
		})
	}
}

func TestCommitRefusesLedgerOutsideTier(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, secretPackage())

	_, err := f.manager.Commit(context.Background(), CommitRequest{
		Receipt:        r,
		Classification: "classified",
		Ledger:         "ethereum",
		Package:        secretPackage(),
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLedgerDenied, xerrors.CodeOf(err))
	assert.True(t, xerrors.IsPolicy(err))
	assert.Empty(t, f.envelope)
	assert.Empty(t, f.ledgers["ethereum"].sent())
	assert.Nil(t, r.ChainReference)
}

func TestUnknownClassificationIsTreatedAsClassified(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, secretPackage())

	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "eyes-only", Ledger: "ethereum"})
	assert.Equal(t, xerrors.CodeLedgerDenied, xerrors.CodeOf(err))
}

func TestExposureFollowsTier(t *testing.T) {
	f := newFixture(t)
	pkg := map[string]any{"block": 825000, "hash": "94f8"}
	r := f.issue(t, pkg)

	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "unclassified", Ledger: "ethereum", Package: pkg})
	require.NoError(t, err)
	full, err := ledger.DecodeEVM(f.ledgers["ethereum"].sent()[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"block":825000,"hash":"94f8"}`, string(full.Package))
	assert.Equal(t, "high", full.Tags["severity"])

	r2 := f.issue(t, pkg)
	_, err = f.manager.Commit(context.Background(), CommitRequest{Receipt: r2, Classification: "sbu", Ledger: "ethereum", Package: pkg})
	require.NoError(t, err)
	controlled, err := ledger.DecodeEVM(f.ledgers["ethereum"].sent()[1])
	require.NoError(t, err)
	assert.Empty(t, controlled.Package)
	assert.Equal(t, "subject-7", controlled.Tags["subject_id"])
	assert.Equal(t, r2.ReceiptID, controlled.ReceiptID)
}

func TestLedgerFailureIsCapturedInCommitment(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, secretPackage())
	btc := f.ledgers["bitcoin"]
	btc.commitErr = xerrors.New(xerrors.CodeLedgerUnavailable, "connection refused")

	commitment, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, commitment.Status)
	assert.Equal(t, "bitcoin", commitment.Ledger)
	assert.Contains(t, commitment.FailureReason, "connection refused")
	require.NotNil(t, r.ChainReference)
	assert.Equal(t, receipt.ChainFailed, r.ChainReference.Status)

	btc.commitErr = nil
	commitment, err = f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, commitment.Status)
	assert.Equal(t, receipt.ChainCommitted, r.ChainReference.Status)
	assert.Equal(t, commitment.TxReference, r.ChainReference.TransactionID)
}

func TestPayloadLimitIsEnforcedBeforeSubmission(t *testing.T) {
	f := newFixture(t, ledger.ChainParams{
		Name:            "private-evm",
		Kind:            ledger.KindEVM,
		RPCURL:          "http://localhost:8545",
		MaxPayloadBytes: 64,
	})
	r := f.issue(t, secretPackage())

	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified"})
	assert.Equal(t, xerrors.CodePayloadTooLarge, xerrors.CodeOf(err))
	assert.Empty(t, f.ledgers["private-evm"].sent())
}

func TestCommitRejectsMissingReceipt(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Commit(context.Background(), CommitRequest{Classification: "unclassified"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewManager(nil)
	assert.Error(t, err)
}

func TestRefreshMovesToConfirmedAtThreshold(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, secretPackage())
	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified"})
	require.NoError(t, err)

	f.ledgers["bitcoin"].confs = 2
	c, err := f.manager.Refresh(context.Background(), r, 3)
	require.NoError(t, err)
	assert.False(t, c.Satisfied)
	assert.Equal(t, receipt.ChainCommitted, r.ChainReference.Status)
	assert.Equal(t, uint64(2), r.ChainReference.Confirmations)

	f.ledgers["bitcoin"].confs = 3
	c, err = f.manager.Refresh(context.Background(), r, 3)
	require.NoError(t, err)
	assert.True(t, c.Satisfied)
	assert.Equal(t, receipt.ChainConfirmed, r.ChainReference.Status)

	_, err = f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified"})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestVerifyCommitmentUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	c, err := f.manager.VerifyCommitment(context.Background(), "bitcoin", "missing", 0)
	require.NoError(t, err)
	assert.False(t, c.Found)
	assert.False(t, c.Satisfied)

	_, err = f.manager.VerifyCommitment(context.Background(), "solana", "missing", 0)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestVerifyEndToEnd(t *testing.T) {
	f := newFixture(t)
	pkg := secretPackage()
	r := f.issue(t, pkg)
	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: r, Classification: "classified", Package: pkg})
	require.NoError(t, err)
	f.ledgers["bitcoin"].confs = 6

	report, err := f.manager.Verify(context.Background(), VerifyRequest{Receipt: r, Package: pkg, CheckLedger: true, Threshold: 6})
	require.NoError(t, err)
	assert.True(t, report.Hash)
	assert.True(t, report.Signature)
	require.NotNil(t, report.Ledger)
	assert.True(t, *report.Ledger)
	assert.Nil(t, report.Merkle)
	assert.True(t, report.Valid)

	tampered := secretPackage()
	tampered["block"] = 825001
	report, err = f.manager.Verify(context.Background(), VerifyRequest{Receipt: r, Package: tampered})
	require.NoError(t, err)
	assert.False(t, report.Hash)
	assert.True(t, report.Signature)
	assert.False(t, report.Valid)

	report, err = f.manager.Verify(context.Background(), VerifyRequest{Receipt: r, Package: pkg, CheckLedger: true, Threshold: 10})
	require.NoError(t, err)
	assert.False(t, *report.Ledger)
	assert.Equal(t, uint64(6), report.Confirmations)
}

func TestVerifyLedgerDetectsForeignPayload(t *testing.T) {
	f := newFixture(t)
	pkg := secretPackage()
	r := f.issue(t, pkg)
	other := f.issue(t, map[string]any{"block": 1})
	_, err := f.manager.Commit(context.Background(), CommitRequest{Receipt: other, Classification: "classified"})
	require.NoError(t, err)
	f.ledgers["bitcoin"].confs = 1

	r.ChainReference = other.ChainReference
	report, err := f.manager.Verify(context.Background(), VerifyRequest{Receipt: r, Package: pkg, CheckLedger: true, Threshold: 1})
	require.NoError(t, err)
	assert.False(t, *report.Ledger)
	assert.False(t, report.Valid)
}

func TestVerifyWithoutVerifierFailsSignature(t *testing.T) {
	f := newFixture(t)
	pkg := secretPackage()
	r := f.issue(t, pkg)
	m, err := NewManager(f.manager.registry)
	require.NoError(t, err)

	report, err := m.Verify(context.Background(), VerifyRequest{Receipt: r, Package: pkg})
	require.NoError(t, err)
	assert.True(t, report.Hash)
	assert.False(t, report.Signature)
	assert.False(t, report.Valid)
}

func TestCommitBatchAndDisclose(t *testing.T) {
	f := newFixture(t)
	pkgs := []map[string]any{
		{"block": 825000, "hash": "94f8"},
		{"block": 825001, "hash": "94f8"},
		{"block": 825000, "hash": "94f9"},
	}
	receipts := make([]*receipt.Receipt, len(pkgs))
	for i, pkg := range pkgs {
		receipts[i] = f.issue(t, pkg)
	}

	batch, err := f.manager.CommitBatch(context.Background(), receipts, "classified", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Tree.Len())
	assert.Equal(t, BatchID(batch.Tree.RootDigest()), batch.ID)

	sent := f.ledgers["bitcoin"].sent()
	require.Len(t, sent, 1)
	rec, err := ledger.DecodeUTXO(sent[0])
	require.NoError(t, err)
	assert.True(t, rec.Matches(batch.ID, batch.Tree.RootDigest()))
	for _, r := range receipts {
		assert.Equal(t, batch.Commitment.TxReference, r.ChainReference.TransactionID)
	}
	f.ledgers["bitcoin"].confs = 2

	disclosure, err := batch.Tree.Reveal(1)
	require.NoError(t, err)
	disclosed := disclosure.Receipt
	var pkg map[string]any
	for i, r := range receipts {
		if r.ReceiptID == disclosed.ReceiptID {
			pkg = pkgs[i]
		}
	}
	report, err := f.manager.Verify(context.Background(), VerifyRequest{
		Receipt:     disclosed,
		Package:     pkg,
		Disclosure:  &disclosure,
		CheckLedger: true,
		Threshold:   1,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Merkle)
	assert.True(t, *report.Merkle)
	assert.True(t, *report.Ledger)
	assert.True(t, report.Valid)

	disclosure.RootDigest = strings.Repeat("0", 64)
	report, err = f.manager.Verify(context.Background(), VerifyRequest{Receipt: disclosed, Package: pkg, Disclosure: &disclosure})
	require.NoError(t, err)
	assert.False(t, *report.Merkle)
}

func TestDisclosureRelabelledForAnotherReceiptFails(t *testing.T) {
	f := newFixture(t)
	var members []*receipt.Receipt
	for i := 0; i < 3; i++ {
		members = append(members, f.issue(t, map[string]any{"block": 825000 + i}))
	}
	batch, err := f.manager.CommitBatch(context.Background(), members, "classified", "bitcoin")
	require.NoError(t, err)
	f.ledgers["bitcoin"].confs = 2

	outsiderPkg := map[string]any{"block": 999999}
	outsider := f.issue(t, outsiderPkg)
	ref := *members[0].ChainReference
	outsider.ChainReference = &ref

	disclosure, err := batch.Tree.Reveal(0)
	require.NoError(t, err)
	disclosure.Receipt.ReceiptID = outsider.ReceiptID

	report, err := f.manager.Verify(context.Background(), VerifyRequest{
		Receipt:     outsider,
		Package:     outsiderPkg,
		Disclosure:  &disclosure,
		CheckLedger: true,
		Threshold:   1,
	})
	require.NoError(t, err)
	assert.True(t, report.Hash)
	assert.True(t, report.Signature)
	require.NotNil(t, report.Merkle)
	assert.False(t, *report.Merkle)
	assert.False(t, report.Valid)

	// Rewriting the disclosed hash as well still fails.
	disclosure.Receipt.PackageHash = outsider.PackageHash
	report, err = f.manager.Verify(context.Background(), VerifyRequest{
		Receipt: outsider, Package: outsiderPkg, Disclosure: &disclosure,
	})
	require.NoError(t, err)
	assert.False(t, *report.Merkle)
}

func TestCommitBatchRespectsTier(t *testing.T) {
	f := newFixture(t)
	receipts := []*receipt.Receipt{f.issue(t, secretPackage())}
	_, err := f.manager.CommitBatch(context.Background(), receipts, "secret", "ethereum")
	assert.Equal(t, xerrors.CodeLedgerDenied, xerrors.CodeOf(err))

	_, err = f.manager.CommitBatch(context.Background(), nil, "secret", "bitcoin")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestVerifyAllKeepsOrder(t *testing.T) {
	f := newFixture(t)
	var reqs []VerifyRequest
	for i := 0; i < 6; i++ {
		pkg := map[string]any{"n": i}
		r := f.issue(t, pkg)
		if i%2 == 1 {
			pkg = map[string]any{"n": -i}
		}
		reqs = append(reqs, VerifyRequest{Receipt: r, Package: pkg})
	}

	reports, err := f.manager.VerifyAll(context.Background(), reqs, 2)
	require.NoError(t, err)
	require.Len(t, reports, 6)
	for i, report := range reports {
		assert.Equal(t, reqs[i].Receipt.ReceiptID, report.ReceiptID)
		assert.Equal(t, i%2 == 0, report.Valid, i)
	}
}

func TestEstimateFee(t *testing.T) {
	f := newFixture(t)
	estimate, err := f.manager.EstimateFee(context.Background(), "", 80)
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", estimate.Ledger)
	assert.Equal(t, int64(800), estimate.FeePaid.Int64())
}
