package ledger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ReceiptChain/internal/errors"
)

// Definitions models the chain definition file.
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition describes one ledger endpoint.
type Definition struct {
	Type            string `yaml:"type"`
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	MaxGasPriceGwei uint64 `yaml:"max_gas_price_gwei"`
	GasLimit        uint64 `yaml:"gas_limit"`
	FeeRateSatVB    int64  `yaml:"fee_rate_sat_vb"`
	ConfTarget      int64  `yaml:"conf_target"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	AnchorAddress   string `yaml:"anchor_address"`
	PrivateKeyEnv   string `yaml:"private_key_env"`
	RPCUser         string `yaml:"rpc_user"`
	RPCPassEnv      string `yaml:"rpc_pass_env"`
	Description     string `yaml:"description"`
}

// LoadDefinitions parses the YAML chain definition file. An empty path
// yields no chains.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read chain definitions")
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes YAML chain definitions.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse chain definitions")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Names returns the chain names in sorted order.
func (d Definitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs validates every definition against allow.
func (d Definitions) Configs(allow AllowList) (map[string]ChainConfig, error) {
	out := make(map[string]ChainConfig, len(d.Chains))
	for _, name := range d.Names() {
		cfg, err := d.Chains[name].Config(name, allow)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

// Config turns a definition into a validated ChainConfig.
func (def Definition) Config(name string, allow AllowList) (ChainConfig, error) {
	kind, err := ParseKind(def.Type)
	if err != nil {
		return ChainConfig{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("chain %s", name))
	}
	return NewChainConfig(ChainParams{
		Name:            name,
		Kind:            kind,
		RPCURL:          def.RPCURL,
		ChainID:         def.ChainID,
		MaxGasPriceGwei: def.MaxGasPriceGwei,
		GasLimit:        def.GasLimit,
		FeeRateSatVB:    def.FeeRateSatVB,
		ConfTarget:      def.ConfTarget,
		MaxPayloadBytes: def.MaxPayloadBytes,
		AnchorAddress:   def.AnchorAddress,
		PrivateKeyEnv:   def.PrivateKeyEnv,
		RPCUser:         def.RPCUser,
		RPCPassEnv:      def.RPCPassEnv,
	}, allow)
}
