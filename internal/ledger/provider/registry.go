// Package provider builds ledger adapters from chain definitions and keeps
// them keyed by ledger name.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/ledger/bitcoin"
	"ReceiptChain/internal/ledger/ethereum"
)

// Factory builds an adapter for one validated chain configuration.
type Factory func(ctx context.Context, cfg ledger.ChainConfig) (ledger.Adapter, error)

// DefaultFactories dial real endpoints.
func DefaultFactories() map[ledger.Kind]Factory {
	return map[ledger.Kind]Factory{
		ledger.KindEVM: func(ctx context.Context, cfg ledger.ChainConfig) (ledger.Adapter, error) {
			return ethereum.Dial(ctx, cfg)
		},
		ledger.KindUTXO: func(_ context.Context, cfg ledger.ChainConfig) (ledger.Adapter, error) {
			return bitcoin.Dial(cfg)
		},
	}
}

type entry struct {
	adapter ledger.Adapter
	config  ledger.ChainConfig
}

// Registry maps ledger names to adapters and their configuration.
type Registry struct {
	defaultLedger string
	entries       map[string]entry
}

// NewRegistry validates defs against allow and instantiates one adapter per
// chain. A nil factories map uses DefaultFactories.
func NewRegistry(ctx context.Context, defs ledger.Definitions, allow ledger.AllowList, factories map[ledger.Kind]Factory) (*Registry, error) {
	if factories == nil {
		factories = DefaultFactories()
	}
	configs, err := defs.Configs(allow)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "no ledgers are configured")
	}

	r := &Registry{entries: make(map[string]entry, len(configs))}
	for _, name := range defs.Names() {
		cfg := configs[name]
		factory, ok := factories[cfg.Kind()]
		if !ok {
			r.Close()
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("no adapter for ledger type %s", cfg.Kind()))
		}
		adapter, err := factory(ctx, cfg)
		if err != nil {
			r.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("initialise ledger %s", name))
		}
		r.entries[name] = entry{adapter: adapter, config: cfg}
	}

	r.defaultLedger = strings.TrimSpace(defs.Default)
	if r.defaultLedger == "" {
		r.defaultLedger = r.Names()[0]
	}
	if _, ok := r.entries[r.defaultLedger]; !ok {
		r.Close()
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("default ledger %s is not configured", r.defaultLedger))
	}
	return r, nil
}

// NewStaticRegistry wraps already built adapters. Each adapter's name must
// match its configuration.
func NewStaticRegistry(defaultLedger string, adapters map[string]ledger.Adapter, configs map[string]ledger.ChainConfig) (*Registry, error) {
	r := &Registry{defaultLedger: defaultLedger, entries: make(map[string]entry, len(adapters))}
	for name, adapter := range adapters {
		cfg, ok := configs[name]
		if !ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("ledger %s has no configuration", name))
		}
		r.entries[name] = entry{adapter: adapter, config: cfg}
	}
	if _, ok := r.entries[defaultLedger]; !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("default ledger %s is not configured", defaultLedger))
	}
	return r, nil
}

// Default returns the name of the default ledger.
func (r *Registry) Default() string { return r.defaultLedger }

// Lookup returns the adapter and configuration for name. An empty name
// selects the default ledger.
func (r *Registry) Lookup(name string) (ledger.Adapter, ledger.ChainConfig, error) {
	if r == nil {
		return nil, ledger.ChainConfig{}, xerrors.New(xerrors.CodeInitializationFailure, "ledger registry is not initialised")
	}
	if name == "" {
		name = r.defaultLedger
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, ledger.ChainConfig{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("ledger %s is not configured", name))
	}
	return e.adapter, e.config, nil
}

// Names returns the registered ledger names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every adapter.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, e := range r.entries {
		if e.adapter != nil {
			e.adapter.Close()
		}
		delete(r.entries, name)
	}
}
