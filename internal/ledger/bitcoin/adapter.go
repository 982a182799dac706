// Package bitcoin implements the UTXO ledger adapter. Payloads are carried
// in a single OP_RETURN output funded and signed by the node's wallet.
package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/pkg/logger"
)

// RPC is the subset of the btcd rpcclient API the adapter needs.
type RPC interface {
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	FundRawTransaction(tx *wire.MsgTx, opts btcjson.FundRawTransactionOpts, isWitness *bool) (*btcjson.FundRawTransactionResult, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	Shutdown()
}

// Approximate virtual size of a wallet-funded anchor transaction without
// its data output: version, locktime, one segwit input and a change output.
const baseVSize = 10 + 68 + 31

// Adapter commits payloads through a wallet-enabled node.
type Adapter struct {
	name   string
	rpc    RPC
	logger *slog.Logger
	mu     sync.Mutex
}

// New wraps an RPC client.
func New(name string, rpc RPC) *Adapter {
	return &Adapter{
		name:   name,
		rpc:    rpc,
		logger: logger.Named("ledger.bitcoin").With(slog.String("ledger", name)),
	}
}

// Dial opens an HTTP POST RPC client for cfg. The password is read from the
// environment variable named by cfg.RPCPassEnv.
func Dial(cfg ledger.ChainConfig) (*Adapter, error) {
	u, err := url.Parse(cfg.RPCURL())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("chain %s rpc url", cfg.Name()))
	}
	pass := ""
	if cfg.RPCPassEnv() != "" {
		pass = os.Getenv(cfg.RPCPassEnv())
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         u.Host + u.Path,
		User:         cfg.RPCUser(),
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   u.Scheme == "http",
	}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, fmt.Sprintf("dial %s", cfg.Name()))
	}
	return New(cfg.Name(), client), nil
}

// Name implements ledger.Adapter.
func (a *Adapter) Name() string { return a.name }

// Kind implements ledger.Adapter.
func (a *Adapter) Kind() ledger.Kind { return ledger.KindUTXO }

// Commit builds a transaction with one OP_RETURN output carrying payload,
// lets the wallet fund and sign it, and broadcasts it.
func (a *Adapter) Commit(ctx context.Context, payload []byte, cfg ledger.ChainConfig) (ledger.Commitment, error) {
	if len(payload) > cfg.MaxPayloadBytes() {
		return ledger.Commitment{}, xerrors.New(xerrors.CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, %s accepts %d", len(payload), a.name, cfg.MaxPayloadBytes()))
	}
	if err := ctx.Err(); err != nil {
		return ledger.Commitment{}, xerrors.Wrap(xerrors.CodeTimeout, err, "commit cancelled")
	}
	script, err := txscript.NullDataScript(payload)
	if err != nil {
		return ledger.Commitment{}, xerrors.Wrap(xerrors.CodePayloadTooLarge, err, "build data script")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rpc == nil {
		return ledger.Commitment{}, a.closed()
	}

	satPerVB := a.feeRate(cfg)
	btcPerKvB := btcutil.Amount(satPerVB * 1000).ToBTC()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, script))

	funded, err := a.rpc.FundRawTransaction(tx, btcjson.FundRawTransactionOpts{FeeRate: &btcPerKvB}, nil)
	if err != nil {
		return ledger.Commitment{}, unavailable(err, "fund transaction")
	}
	signed, complete, err := a.rpc.SignRawTransactionWithWallet(funded.Transaction)
	if err != nil {
		return ledger.Commitment{}, unavailable(err, "sign transaction")
	}
	if !complete {
		return ledger.Commitment{}, xerrors.New(xerrors.CodeLedgerUnavailable, "wallet could not sign every input")
	}
	hash, err := a.rpc.SendRawTransaction(signed, false)
	if err != nil {
		return ledger.Commitment{}, unavailable(err, "send transaction")
	}

	a.logger.Info("commitment submitted",
		slog.String("tx", hash.String()),
		slog.Int64("fee_sat", int64(funded.Fee)),
		slog.Int64("fee_rate_sat_vb", satPerVB))
	return ledger.Commitment{
		TxReference: hash.String(),
		Ledger:      a.name,
		Status:      ledger.StatusPending,
		FeePaid:     big.NewInt(int64(funded.Fee)),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Verify reports confirmations of txRef. Unconfirmed mempool transactions
// are pending.
func (a *Adapter) Verify(ctx context.Context, txRef string, _ ledger.ChainConfig) (ledger.VerificationResult, error) {
	raw, err := a.lookup(ctx, txRef)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeLedgerNotFound {
			return ledger.VerificationResult{TxReference: txRef, Status: ledger.StatusFailed}, nil
		}
		return ledger.VerificationResult{}, err
	}
	result := ledger.VerificationResult{TxReference: raw.Txid, Found: true, Status: ledger.StatusPending}
	if raw.Confirmations == 0 || raw.BlockHash == "" {
		return result, nil
	}
	result.Status = ledger.StatusConfirmed
	result.Confirmations = raw.Confirmations

	blockHash, err := chainhash.NewHashFromStr(raw.BlockHash)
	if err != nil {
		return result, nil
	}
	a.mu.Lock()
	if a.rpc == nil {
		a.mu.Unlock()
		return ledger.VerificationResult{}, a.closed()
	}
	header, err := a.rpc.GetBlockHeaderVerbose(blockHash)
	a.mu.Unlock()
	if err != nil {
		a.logger.Debug("block header lookup failed", slog.String("block", raw.BlockHash), slog.Any("error", err))
		return result, nil
	}
	if header.Height >= 0 {
		height := uint64(header.Height)
		result.BlockHeight = &height
	}
	return result, nil
}

// Retrieve returns the data pushed by the transaction's OP_RETURN output.
func (a *Adapter) Retrieve(ctx context.Context, txRef string, _ ledger.ChainConfig) ([]byte, error) {
	raw, err := a.lookup(ctx, txRef)
	if err != nil {
		return nil, err
	}
	for _, out := range raw.Vout {
		script, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil || len(script) == 0 || script[0] != txscript.OP_RETURN {
			continue
		}
		pushes, err := txscript.PushedData(script)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "parse data script")
		}
		var data []byte
		for _, p := range pushes {
			data = append(data, p...)
		}
		return data, nil
	}
	return nil, nil
}

// EstimateFee prices a commitment of size bytes in satoshi.
func (a *Adapter) EstimateFee(ctx context.Context, size int, cfg ledger.ChainConfig) (*big.Int, error) {
	if size < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payload size cannot be negative")
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "estimate cancelled")
	}
	a.mu.Lock()
	if a.rpc == nil {
		a.mu.Unlock()
		return nil, a.closed()
	}
	rate := a.feeRate(cfg)
	a.mu.Unlock()
	// value (8) + script length (1) + OP_RETURN and push opcodes (2) + data
	vsize := int64(baseVSize + 8 + 1 + 2 + size)
	return big.NewInt(rate * vsize), nil
}

// Close shuts the RPC client down.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rpc != nil {
		a.rpc.Shutdown()
		a.rpc = nil
	}
}

// feeRate asks the node for a smart fee estimate in sat/vB and falls back
// to the configured rate. Callers hold a.mu.
func (a *Adapter) feeRate(cfg ledger.ChainConfig) int64 {
	mode := btcjson.EstimateModeConservative
	estimate, err := a.rpc.EstimateSmartFee(cfg.ConfTarget(), &mode)
	if err != nil || estimate == nil || estimate.FeeRate == nil {
		if err != nil {
			a.logger.Debug("smart fee estimate unavailable", slog.Any("error", err))
		}
		return cfg.FeeRateSatVB()
	}
	perKvB, err := btcutil.NewAmount(*estimate.FeeRate)
	if err != nil {
		return cfg.FeeRateSatVB()
	}
	rate := int64(perKvB) / 1000
	if rate < 1 {
		rate = 1
	}
	return rate
}

func (a *Adapter) lookup(ctx context.Context, txRef string) (*btcjson.TxRawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "lookup cancelled")
	}
	hash, err := chainhash.NewHashFromStr(txRef)
	if err != nil || len(txRef) != 2*chainhash.HashSize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%q is not a transaction id", txRef))
	}
	a.mu.Lock()
	if a.rpc == nil {
		a.mu.Unlock()
		return nil, a.closed()
	}
	raw, err := a.rpc.GetRawTransactionVerbose(hash)
	a.mu.Unlock()
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return nil, xerrors.Wrap(xerrors.CodeLedgerNotFound, err, fmt.Sprintf("transaction %s not found", txRef))
		}
		return nil, unavailable(err, "get raw transaction")
	}
	return raw, nil
}

func (a *Adapter) closed() error {
	return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("ledger %s adapter is closed", a.name))
}

func unavailable(err error, op string) error {
	return xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, op)
}

var _ ledger.Adapter = (*Adapter)(nil)
