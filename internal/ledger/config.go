package ledger

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "ReceiptChain/internal/errors"
)

// Kind is a ledger family.
type Kind string

const (
	KindEVM  Kind = "evm"
	KindUTXO Kind = "utxo"
)

// ParseKind accepts evm/ethereum and utxo/bitcoin. Empty means evm.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "evm", "ethereum":
		return KindEVM, nil
	case "utxo", "bitcoin":
		return KindUTXO, nil
	default:
		return "", xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("unknown ledger type %q", s))
	}
}

const (
	// MaxGasPriceCeilingGwei is the highest fee price an EVM chain may be
	// configured with.
	MaxGasPriceCeilingGwei = 1000
	// UTXOPayloadBytes is the OP_RETURN payload size.
	UTXOPayloadBytes = 80

	defaultGasLimit        = 120_000
	defaultMaxGasPriceGwei = 200
	defaultConfTarget      = 6
	defaultFeeRateSatVB    = 10
)

var gwei = big.NewInt(1_000_000_000)

// ChainParams are the raw fields of a chain definition.
type ChainParams struct {
	Name            string
	Kind            Kind
	RPCURL          string
	ChainID         int64
	MaxGasPriceGwei uint64
	GasLimit        uint64
	FeeRateSatVB    int64
	ConfTarget      int64
	MaxPayloadBytes int
	AnchorAddress   string
	PrivateKeyEnv   string
	RPCUser         string
	RPCPassEnv      string
}

// ChainConfig is a validated, immutable chain configuration. Obtain one
// through NewChainConfig.
type ChainConfig struct {
	name            string
	kind            Kind
	rpcURL          string
	chainID         int64
	maxGasPriceGwei uint64
	gasLimit        uint64
	feeRateSatVB    int64
	confTarget      int64
	maxPayloadBytes int
	anchorAddress   string
	privateKeyEnv   string
	rpcUser         string
	rpcPassEnv      string
}

// NewChainConfig validates p against allow and fills defaults. EVM chains
// priced above MaxGasPriceCeilingGwei are rejected; UTXO chains never carry
// more than UTXOPayloadBytes.
func NewChainConfig(p ChainParams, allow AllowList) (ChainConfig, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid, "chain name is required")
	}
	kind := p.Kind
	if kind == "" {
		kind = KindEVM
	}
	if kind != KindEVM && kind != KindUTXO {
		return ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s has unknown type %q", name, kind))
	}
	if err := allow.Check(p.RPCURL); err != nil {
		return ChainConfig{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("chain %s", name))
	}
	if p.MaxPayloadBytes < 0 {
		return ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s has a negative payload limit", name))
	}

	cfg := ChainConfig{
		name:            name,
		kind:            kind,
		rpcURL:          strings.TrimSpace(p.RPCURL),
		chainID:         p.ChainID,
		maxGasPriceGwei: p.MaxGasPriceGwei,
		gasLimit:        p.GasLimit,
		feeRateSatVB:    p.FeeRateSatVB,
		confTarget:      p.ConfTarget,
		maxPayloadBytes: p.MaxPayloadBytes,
		anchorAddress:   strings.TrimSpace(p.AnchorAddress),
		privateKeyEnv:   strings.TrimSpace(p.PrivateKeyEnv),
		rpcUser:         p.RPCUser,
		rpcPassEnv:      strings.TrimSpace(p.RPCPassEnv),
	}

	switch kind {
	case KindEVM:
		if cfg.maxGasPriceGwei == 0 {
			cfg.maxGasPriceGwei = defaultMaxGasPriceGwei
		}
		if cfg.maxGasPriceGwei > MaxGasPriceCeilingGwei {
			return ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("chain %s max gas price %d gwei exceeds %d gwei", name, cfg.maxGasPriceGwei, MaxGasPriceCeilingGwei))
		}
		if cfg.gasLimit == 0 {
			cfg.gasLimit = defaultGasLimit
		}
		if cfg.chainID < 0 {
			return ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s has a negative chain id", name))
		}
	case KindUTXO:
		if cfg.maxPayloadBytes == 0 || cfg.maxPayloadBytes > UTXOPayloadBytes {
			cfg.maxPayloadBytes = UTXOPayloadBytes
		}
		if cfg.confTarget <= 0 {
			cfg.confTarget = defaultConfTarget
		}
		if cfg.feeRateSatVB <= 0 {
			cfg.feeRateSatVB = defaultFeeRateSatVB
		}
	}
	return cfg, nil
}

func (c ChainConfig) Name() string { return c.name }
func (c ChainConfig) Kind() Kind { return c.kind }
func (c ChainConfig) RPCURL() string { return c.rpcURL }
func (c ChainConfig) ChainID() int64 { return c.chainID }
func (c ChainConfig) GasLimit() uint64 { return c.gasLimit }
func (c ChainConfig) FeeRateSatVB() int64 { return c.feeRateSatVB }
func (c ChainConfig) ConfTarget() int64 { return c.confTarget }
func (c ChainConfig) AnchorAddress() string { return c.anchorAddress }
func (c ChainConfig) PrivateKeyEnv() string { return c.privateKeyEnv }
func (c ChainConfig) RPCUser() string { return c.rpcUser }
func (c ChainConfig) RPCPassEnv() string { return c.rpcPassEnv }
func (c ChainConfig) MaxGasPriceGwei() uint64 { return c.maxGasPriceGwei }

// MaxGasPriceWei returns the fee price ceiling in wei.
func (c ChainConfig) MaxGasPriceWei() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(c.maxGasPriceGwei), gwei)
}

// MaxPayloadBytes returns the payload ceiling; zero means no ceiling beyond
// gas cost.
func (c ChainConfig) MaxPayloadBytes() int { return c.maxPayloadBytes }

// IsZero reports whether c was built without NewChainConfig.
func (c ChainConfig) IsZero() bool { return c.name == "" }
