package ledger

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ReceiptChain/internal/errors"
)

const (
	testReceiptID = "5f1c0e9a7b3d2c4e6f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6"
	testHash      = "10b1edfbcf1785e658db7cfc067020d897b789c39ae5e8541c525afdca3ac8bf"
)

func TestAllowListMatchesHostsAndSubdomains(t *testing.T) {
	allow := NewAllowList("infura.io", "127.0.0.1")

	assert.NoError(t, allow.Check("https://mainnet.infura.io/v3/key"))
	assert.NoError(t, allow.Check("https://infura.io"))
	assert.NoError(t, allow.Check("http://127.0.0.1:8545"))
	assert.NoError(t, allow.Check("wss://ws.mainnet.infura.io"))

	for _, raw := range []string{
		"https://evilinfura.io",
		"https://infura.io.evil.com",
		"ftp://infura.io",
		"http://10.127.0.0.1",
		"://bad",
		"https://",
	} {
		err := allow.Check(raw)
		assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err), raw)
	}
}

func TestAllowListWithReturnsNewValue(t *testing.T) {
	base := NewAllowList("infura.io")
	extended := base.With("Node.Example.org ", "")

	assert.Error(t, base.Check("https://node.example.org"))
	assert.NoError(t, extended.Check("https://rpc.node.example.org"))
	assert.Equal(t, []string{"infura.io"}, base.Hosts())
	assert.Equal(t, []string{"infura.io", "node.example.org"}, extended.Hosts())
}

func TestNewChainConfigRejectsFeeGriefing(t *testing.T) {
	allow := DefaultAllowList()
	_, err := NewChainConfig(ChainParams{Name: "ethereum", Kind: KindEVM, RPCURL: "https://mainnet.infura.io", MaxGasPriceGwei: 1001}, allow)
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))

	cfg, err := NewChainConfig(ChainParams{Name: "ethereum", Kind: KindEVM, RPCURL: "https://mainnet.infura.io", MaxGasPriceGwei: 1000}, allow)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000", cfg.MaxGasPriceWei().String())
	assert.Equal(t, uint64(defaultGasLimit), cfg.GasLimit())
}

func TestNewChainConfigRejectsUnlistedRPC(t *testing.T) {
	_, err := NewChainConfig(ChainParams{Name: "polygon", RPCURL: "https://rpc.attacker.net"}, DefaultAllowList())
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))

	cfg, err := NewChainConfig(ChainParams{Name: "polygon", RPCURL: "https://rpc.attacker.net"},
		DefaultAllowList().With("attacker.net"))
	require.NoError(t, err)
	assert.Equal(t, KindEVM, cfg.Kind())
}

func TestNewChainConfigUTXODefaults(t *testing.T) {
	cfg, err := NewChainConfig(ChainParams{Name: "bitcoin", Kind: KindUTXO, RPCURL: "http://127.0.0.1:8332", MaxPayloadBytes: 4096}, DefaultAllowList())
	require.NoError(t, err)
	assert.Equal(t, UTXOPayloadBytes, cfg.MaxPayloadBytes())
	assert.Equal(t, int64(defaultConfTarget), cfg.ConfTarget())
	assert.Equal(t, int64(defaultFeeRateSatVB), cfg.FeeRateSatVB())
	assert.False(t, cfg.IsZero())
	assert.True(t, ChainConfig{}.IsZero())
}

func TestFormatUTXOLayout(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	payload, err := FormatUTXO(Envelope{ReceiptID: testReceiptID, PackageHash: testHash, Timestamp: at, Package: map[string]any{"secret": 1}})
	require.NoError(t, err)
	require.Len(t, payload, 80)

	assert.Equal(t, testReceiptID[:32], string(payload[:32]))
	assert.Equal(t, testHash[:32], string(payload[32:64]))
	assert.Equal(t, uint64(at.Unix()), binary.BigEndian.Uint64(payload[64:72]))
	assert.Equal(t, make([]byte, 8), payload[72:])
	assert.NotContains(t, string(payload), "secret")

	rec, err := DecodeUTXO(payload)
	require.NoError(t, err)
	assert.True(t, rec.Matches(testReceiptID, testHash))
	assert.True(t, rec.Timestamp.Equal(at))
	assert.False(t, rec.Matches(testReceiptID, strings.Repeat("0", 64)))
}

func TestFormatUTXORejectsShortIdentifiers(t *testing.T) {
	_, err := FormatUTXO(Envelope{ReceiptID: "short", PackageHash: testHash})
	assert.Error(t, err)

	_, err = DecodeUTXO(make([]byte, 79))
	assert.Error(t, err)

	bad := make([]byte, 80)
	bad[79] = 1
	_, err = DecodeUTXO(bad)
	assert.Error(t, err)
}

func TestFormatEVMByExposure(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		ReceiptID:   testReceiptID,
		PackageHash: testHash,
		Timestamp:   at,
		Tags:        map[string]string{"severity": "high"},
		Package:     map[string]any{"block": 825000},
	}

	env.Exposure = ExposureHashOnly
	hashOnly, err := FormatEVM(env)
	require.NoError(t, err)
	assert.Equal(t,
		`{"package_hash":"`+testHash+`","receipt_id":"`+testReceiptID+`","timestamp":"2024-05-01T12:00:00+00:00"}`,
		string(hashOnly))

	env.Exposure = ExposureControlled
	controlled, err := FormatEVM(env)
	require.NoError(t, err)
	decoded, err := DecodeEVM(controlled)
	require.NoError(t, err)
	assert.Equal(t, "high", decoded.Tags["severity"])
	assert.Empty(t, decoded.Package)

	env.Exposure = ExposureFull
	full, err := FormatEVM(env)
	require.NoError(t, err)
	decoded, err = DecodeEVM(full)
	require.NoError(t, err)
	assert.JSONEq(t, `{"block":825000}`, string(decoded.Package))
}

func TestFormatDispatch(t *testing.T) {
	env := Envelope{ReceiptID: testReceiptID, PackageHash: testHash}
	utxo, err := Format(KindUTXO, env)
	require.NoError(t, err)
	assert.Len(t, utxo, UTXOPayloadBytes)

	_, err = Format("solana", env)
	assert.Error(t, err)
}

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(`
default: ethereum
chains:
  ethereum:
    type: evm
    rpc_url: https://mainnet.infura.io/v3/key
    chain_id: 1
    max_gas_price_gwei: 150
    private_key_env: RECEIPTD_ETH_KEY
  bitcoin:
    type: utxo
    rpc_url: http://127.0.0.1:8332
    rpc_user: anchor
    rpc_pass_env: RECEIPTD_BTC_PASS
`))
	require.NoError(t, err)
	assert.Equal(t, "ethereum", defs.Default)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, defs.Names())

	configs, err := defs.Configs(DefaultAllowList())
	require.NoError(t, err)
	assert.Equal(t, KindUTXO, configs["bitcoin"].Kind())
	assert.Equal(t, "RECEIPTD_BTC_PASS", configs["bitcoin"].RPCPassEnv())
	assert.Equal(t, uint64(150), configs["ethereum"].MaxGasPriceGwei())
	assert.Equal(t, int64(1), configs["ethereum"].ChainID())
}

func TestDefinitionsRejectUnknownType(t *testing.T) {
	defs, err := ParseDefinitions([]byte("chains:\n  sol:\n    type: account\n    rpc_url: https://localhost\n"))
	require.NoError(t, err)
	_, err = defs.Configs(DefaultAllowList())
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))

	_, err = ParseDefinitions([]byte("chains: [unterminated"))
	assert.Error(t, err)

	empty, err := LoadDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, empty.Chains)
}
