package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
)

// fakeNode is an in-memory wallet node. Broadcast transactions stay in the
// mempool until mine is called.
type fakeNode struct {
	feeRate    *float64
	fee        btcutil.Amount
	incomplete bool
	sendErr    error
	fundedRate float64
	txs        map[chainhash.Hash]*wire.MsgTx
	confs      map[chainhash.Hash]uint64
	shutdown   bool
}

func newFakeNode() *fakeNode {
	rate := 0.0002
	return &fakeNode{
		feeRate: &rate,
		fee:     1_500,
		txs:     map[chainhash.Hash]*wire.MsgTx{},
		confs:   map[chainhash.Hash]uint64{},
	}
}

func (f *fakeNode) mine(blocks uint64) {
	for h := range f.confs {
		f.confs[h] += blocks
	}
}

func (f *fakeNode) GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	tx, ok := f.txs[*txHash]
	if !ok {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCNoTxInfo, Message: "No such mempool or blockchain transaction"}
	}
	result := &btcjson.TxRawResult{Txid: txHash.String(), Confirmations: f.confs[*txHash]}
	if result.Confirmations > 0 {
		result.BlockHash = chainhash.DoubleHashH([]byte("block")).String()
	}
	for i, out := range tx.TxOut {
		result.Vout = append(result.Vout, btcjson.Vout{
			N:            uint32(i),
			ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: hex.EncodeToString(out.PkScript)},
		})
	}
	return result, nil
}

func (f *fakeNode) GetBlockHeaderVerbose(*chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	return &btcjson.GetBlockHeaderVerboseResult{Height: 840_000}, nil
}

func (f *fakeNode) EstimateSmartFee(int64, *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
	if f.feeRate == nil {
		return nil, errors.New("insufficient data")
	}
	return &btcjson.EstimateSmartFeeResult{FeeRate: f.feeRate}, nil
}

func (f *fakeNode) FundRawTransaction(tx *wire.MsgTx, opts btcjson.FundRawTransactionOpts, _ *bool) (*btcjson.FundRawTransactionResult, error) {
	if opts.FeeRate != nil {
		f.fundedRate = *opts.FeeRate
	}
	funded := tx.Copy()
	funded.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	funded.AddTxOut(wire.NewTxOut(90_000, []byte{txscript.OP_TRUE}))
	return &btcjson.FundRawTransactionResult{Transaction: funded, Fee: f.fee, ChangePosition: 1}, nil
}

func (f *fakeNode) SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	return tx, !f.incomplete, nil
}

func (f *fakeNode) SendRawTransaction(tx *wire.MsgTx, _ bool) (*chainhash.Hash, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	hash := tx.TxHash()
	f.txs[hash] = tx
	f.confs[hash] = 0
	return &hash, nil
}

func (f *fakeNode) Shutdown() { f.shutdown = true }

func utxoConfig(t *testing.T) ledger.ChainConfig {
	t.Helper()
	cfg, err := ledger.NewChainConfig(ledger.ChainParams{
		Name:   "bitcoin",
		Kind:   ledger.KindUTXO,
		RPCURL: "http://127.0.0.1:8332",
	}, ledger.DefaultAllowList())
	require.NoError(t, err)
	return cfg
}

func anchorPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := ledger.FormatUTXO(ledger.Envelope{
		ReceiptID:   "5f1c0e9a7b3d2c4e6f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6",
		PackageHash: "10b1edfbcf1785e658db7cfc067020d897b789c39ae5e8541c525afdca3ac8bf",
		Timestamp:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return payload
}

func TestCommitVerifyRetrieve(t *testing.T) {
	node := newFakeNode()
	adapter := New("bitcoin", node)
	cfg := utxoConfig(t)
	payload := anchorPayload(t)
	ctx := context.Background()

	commitment, err := adapter.Commit(ctx, payload, cfg)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, commitment.Status)
	assert.Equal(t, int64(1_500), commitment.FeePaid.Int64())
	assert.InDelta(t, 0.0002, node.fundedRate, 1e-9)

	result, err := adapter.Verify(ctx, commitment.TxReference, cfg)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, ledger.StatusPending, result.Status)

	node.mine(3)
	result, err = adapter.Verify(ctx, commitment.TxReference, cfg)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, result.Status)
	assert.Equal(t, uint64(3), result.Confirmations)
	require.NotNil(t, result.BlockHeight)
	assert.Equal(t, uint64(840_000), *result.BlockHeight)

	data, err := adapter.Retrieve(ctx, commitment.TxReference, cfg)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, data))

	rec, err := ledger.DecodeUTXO(data)
	require.NoError(t, err)
	assert.Equal(t, "10b1edfbcf1785e658db7cfc067020d8", rec.PackageHashPrefix)
}

func TestCommitRejectsOversizedPayload(t *testing.T) {
	node := newFakeNode()
	_, err := New("bitcoin", node).Commit(context.Background(), make([]byte, 81), utxoConfig(t))
	assert.Equal(t, xerrors.CodePayloadTooLarge, xerrors.CodeOf(err))
	assert.Empty(t, node.txs)
}

func TestCommitIncompleteSignature(t *testing.T) {
	node := newFakeNode()
	node.incomplete = true
	_, err := New("bitcoin", node).Commit(context.Background(), anchorPayload(t), utxoConfig(t))
	assert.True(t, xerrors.IsLedger(err))
	assert.Empty(t, node.txs)
}

func TestCommitBroadcastFailureIsRetryable(t *testing.T) {
	node := newFakeNode()
	node.sendErr = errors.New("connection refused")
	_, err := New("bitcoin", node).Commit(context.Background(), anchorPayload(t), utxoConfig(t))
	assert.Equal(t, xerrors.CodeLedgerUnavailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestVerifyUnknownTransaction(t *testing.T) {
	adapter := New("bitcoin", newFakeNode())
	unknown := chainhash.DoubleHashH([]byte("nothing")).String()

	result, err := adapter.Verify(context.Background(), unknown, utxoConfig(t))
	require.NoError(t, err)
	assert.False(t, result.Found)

	_, err = adapter.Retrieve(context.Background(), unknown, utxoConfig(t))
	assert.Equal(t, xerrors.CodeLedgerNotFound, xerrors.CodeOf(err))

	_, err = adapter.Verify(context.Background(), "xyz", utxoConfig(t))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestEstimateFeeUsesNodeRateOrFallback(t *testing.T) {
	node := newFakeNode()
	adapter := New("bitcoin", node)
	cfg := utxoConfig(t)

	// 0.0002 BTC/kvB is 20 sat/vB.
	fee, err := adapter.EstimateFee(context.Background(), 80, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(20*(baseVSize+11+80)), fee.Int64())

	node.feeRate = nil
	fee, err = adapter.EstimateFee(context.Background(), 80, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.FeeRateSatVB()*int64(baseVSize+11+80), fee.Int64())
}

func TestCloseShutsDownClient(t *testing.T) {
	node := newFakeNode()
	adapter := New("bitcoin", node)
	adapter.Close()
	adapter.Close()
	assert.True(t, node.shutdown)

	ctx := context.Background()
	cfg := utxoConfig(t)
	txRef := chainhash.DoubleHashH([]byte("anchor")).String()
	_, err := adapter.Verify(ctx, txRef, cfg)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	_, err = adapter.Retrieve(ctx, txRef, cfg)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	_, err = adapter.EstimateFee(ctx, 80, cfg)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	_, err = adapter.Commit(ctx, anchorPayload(t), cfg)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
