// Package ethereum implements the ledger adapter for EVM compatible chains.
// One adapter type serves every EVM network; the chain configuration picks
// the endpoint, chain id and fee ceiling.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/pkg/logger"
)

// Backend is the subset of the go-ethereum client API the adapter needs.
// *ethclient.Client and the simulated backend's client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
}

const (
	baseTxGas       = 21_000
	calldataByteGas = 16
)

// Adapter commits payloads as transaction calldata.
type Adapter struct {
	name    string
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	closer  func()
	logger  *slog.Logger
	mu      sync.Mutex
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithCloser registers a function run by Close.
func WithCloser(fn func()) Option {
	return func(a *Adapter) { a.closer = fn }
}

// New wraps backend. A nil key gives a read-only adapter: Verify, Retrieve
// and EstimateFee work, Commit fails.
func New(name string, backend Backend, key *ecdsa.PrivateKey, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		backend: backend,
		key:     key,
		logger:  logger.Named("ledger.ethereum").With(slog.String("ledger", name)),
	}
	if key != nil {
		a.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Dial connects to cfg's RPC endpoint. The signing key is read from the
// environment variable named by cfg.PrivateKeyEnv, when set.
func Dial(ctx context.Context, cfg ledger.ChainConfig) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL())
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s has no rpc url", cfg.Name()))
	}
	key, err := keyFromEnv(cfg.PrivateKeyEnv())
	if err != nil {
		return nil, err
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, fmt.Sprintf("dial %s", cfg.Name()))
	}
	eth := ethclient.NewClient(rpcClient)
	return New(cfg.Name(), eth, key, WithCloser(eth.Close)), nil
}

func keyFromEnv(name string) (*ecdsa.PrivateKey, error) {
	if name == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("%s is not a valid secp256k1 key", name))
	}
	return key, nil
}

// Name implements ledger.Adapter.
func (a *Adapter) Name() string { return a.name }

// Kind implements ledger.Adapter.
func (a *Adapter) Kind() ledger.Kind { return ledger.KindEVM }

// From returns the sending account.
func (a *Adapter) From() common.Address { return a.from }

// Commit signs and broadcasts a dynamic fee transaction whose calldata is
// payload. The fee cap never exceeds the chain's configured ceiling; when
// the base fee alone is above it nothing is sent.
func (a *Adapter) Commit(ctx context.Context, payload []byte, cfg ledger.ChainConfig) (ledger.Commitment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.key == nil {
		return ledger.Commitment{}, xerrors.New(xerrors.CodeLedgerUnavailable,
			fmt.Sprintf("ledger %s has no signing key", a.name), xerrors.WithRetryable(false))
	}
	chainID, err := a.chainID(ctx, cfg)
	if err != nil {
		return ledger.Commitment{}, err
	}
	tip, feeCap, err := a.fees(ctx, cfg)
	if err != nil {
		return ledger.Commitment{}, err
	}

	to := a.from
	if cfg.AnchorAddress() != "" {
		if !common.IsHexAddress(cfg.AnchorAddress()) {
			return ledger.Commitment{}, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("anchor address %q is not a hex address", cfg.AnchorAddress()))
		}
		to = common.HexToAddress(cfg.AnchorAddress())
	}

	gas, err := a.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:      a.from,
		To:        &to,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      payload,
	})
	if err != nil {
		a.logger.Debug("gas estimation failed, using configured limit", slog.Any("error", err))
		gas = cfg.GasLimit()
	}
	if gas > cfg.GasLimit() {
		return ledger.Commitment{}, xerrors.New(xerrors.CodeLedgerFeeEstimate,
			fmt.Sprintf("commit needs %d gas, limit is %d", gas, cfg.GasLimit()))
	}

	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return ledger.Commitment{}, unavailable(err, "pending nonce")
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      payload,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return ledger.Commitment{}, xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "sign transaction")
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return ledger.Commitment{}, unavailable(err, "send transaction")
	}

	a.logger.Info("commitment submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("gas", gas),
		slog.String("fee_cap_wei", feeCap.String()))
	return ledger.Commitment{
		TxReference: signed.Hash().Hex(),
		Ledger:      a.name,
		Status:      ledger.StatusPending,
		FeePaid:     new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Verify reports the mined state of txRef.
func (a *Adapter) Verify(ctx context.Context, txRef string, _ ledger.ChainConfig) (ledger.VerificationResult, error) {
	hash, err := parseHash(txRef)
	if err != nil {
		return ledger.VerificationResult{}, err
	}
	result := ledger.VerificationResult{TxReference: hash.Hex()}

	receipt, err := a.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		_, pending, lookupErr := a.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(lookupErr, gethcore.NotFound):
			result.Status = ledger.StatusFailed
			return result, nil
		case lookupErr != nil:
			return ledger.VerificationResult{}, unavailable(lookupErr, "transaction lookup")
		}
		result.Found = true
		result.Status = ledger.StatusPending
		if !pending {
			a.logger.Debug("transaction known but receipt missing", slog.String("tx", hash.Hex()))
		}
		return result, nil
	}
	if err != nil {
		return ledger.VerificationResult{}, unavailable(err, "transaction receipt")
	}

	result.Found = true
	height := receipt.BlockNumber.Uint64()
	result.BlockHeight = &height
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		result.Status = ledger.StatusFailed
		return result, nil
	}
	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return ledger.VerificationResult{}, unavailable(err, "block number")
	}
	if head >= height {
		result.Confirmations = head - height + 1
	}
	result.Status = ledger.StatusConfirmed
	return result, nil
}

// Retrieve returns the calldata of txRef.
func (a *Adapter) Retrieve(ctx context.Context, txRef string, _ ledger.ChainConfig) ([]byte, error) {
	hash, err := parseHash(txRef)
	if err != nil {
		return nil, err
	}
	tx, _, err := a.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return nil, xerrors.New(xerrors.CodeLedgerNotFound, fmt.Sprintf("transaction %s not found", hash.Hex()))
	}
	if err != nil {
		return nil, unavailable(err, "transaction lookup")
	}
	data := tx.Data()
	if len(data) == 0 {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// EstimateFee prices a commitment of size bytes in wei, assuming every
// calldata byte is non-zero.
func (a *Adapter) EstimateFee(ctx context.Context, size int, cfg ledger.ChainConfig) (*big.Int, error) {
	if size < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payload size cannot be negative")
	}
	_, feeCap, err := a.fees(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gas := uint64(baseTxGas + calldataByteGas*size)
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap), nil
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		a.closer()
		a.closer = nil
	}
}

func (a *Adapter) chainID(ctx context.Context, cfg ledger.ChainConfig) (*big.Int, error) {
	if cfg.ChainID() > 0 {
		return big.NewInt(cfg.ChainID()), nil
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, unavailable(err, "chain id")
	}
	return id, nil
}

// fees returns the tip and fee cap, capped at the configured ceiling.
func (a *Adapter) fees(ctx context.Context, cfg ledger.ChainConfig) (*big.Int, *big.Int, error) {
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeLedgerFeeEstimate, err, "latest header")
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeLedgerFeeEstimate, err, "suggest gas tip")
	}
	ceiling := cfg.MaxGasPriceWei()
	baseFee := new(big.Int)
	if head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	if baseFee.Cmp(ceiling) > 0 {
		return nil, nil, xerrors.New(xerrors.CodeLedgerFeeEstimate,
			fmt.Sprintf("base fee %s wei exceeds ceiling %s wei", baseFee, ceiling))
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	if feeCap.Cmp(ceiling) > 0 {
		feeCap = ceiling
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	return tip, feeCap, nil
}

func parseHash(txRef string) (common.Hash, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(txRef), "0x")
	raw, err := hex.DecodeString(digits)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%q is not a transaction hash", txRef))
	}
	return common.BytesToHash(raw), nil
}

func unavailable(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, op)
	}
	return xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, op)
}

var _ ledger.Adapter = (*Adapter)(nil)
