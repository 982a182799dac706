// Package tier maps classification labels to security tiers. A tier fixes
// which ledgers a receipt may be committed to and how much of it may leave
// the system.
package tier

import (
	"fmt"
	"sort"
	"strings"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
)

// Level names a tier.
type Level string

const (
	Unclassified             Level = "unclassified"
	SensitiveButUnclassified Level = "sensitive_but_unclassified"
	Classified               Level = "classified"
)

// Tier is the policy attached to a Level. A nil AllowedLedgers permits
// every ledger.
type Tier struct {
	Level                 Level           `json:"level"`
	AllowedLedgers        []string        `json:"allowed_ledgers"`
	Exposure              ledger.Exposure `json:"exposure"`
	RequiresAuth          bool            `json:"requires_auth"`
	RequiresAuthorization bool            `json:"requires_authorization"`
}

// Allows reports whether name is a permitted ledger.
func (t Tier) Allows(name string) bool {
	if t.AllowedLedgers == nil {
		return true
	}
	for _, allowed := range t.AllowedLedgers {
		if allowed == name {
			return true
		}
	}
	return false
}

// Policy is an immutable label to tier mapping.
type Policy struct {
	tiers        map[Level]Tier
	labels       map[string]Level
	requireLabel bool
}

// Option customises a Policy.
type Option func(*Policy)

// RequireLabel makes an empty classification label an error instead of
// resolving it to Classified.
func RequireLabel() Option {
	return func(p *Policy) { p.requireLabel = true }
}

// WithLabel maps an extra label to level.
func WithLabel(label string, level Level) Option {
	return func(p *Policy) { p.labels[normalizeLabel(label)] = level }
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[Level]Tier {
	return map[Level]Tier{
		Unclassified: {
			Level:    Unclassified,
			Exposure: ledger.ExposureFull,
		},
		SensitiveButUnclassified: {
			Level:          SensitiveButUnclassified,
			AllowedLedgers: []string{"bitcoin", "ethereum", "polygon", "private-evm"},
			Exposure:       ledger.ExposureControlled,
			RequiresAuth:   true,
		},
		Classified: {
			Level:                 Classified,
			AllowedLedgers:        []string{"bitcoin", "private-evm"},
			Exposure:              ledger.ExposureHashOnly,
			RequiresAuth:          true,
			RequiresAuthorization: true,
		},
	}
}

func defaultLabels() map[string]Level {
	return map[string]Level{
		"unclassified":               Unclassified,
		"public":                     Unclassified,
		"u":                          Unclassified,
		"sensitive_but_unclassified": SensitiveButUnclassified,
		"sbu":                        SensitiveButUnclassified,
		"sensitive":                  SensitiveButUnclassified,
		"cui":                        SensitiveButUnclassified,
		"fouo":                       SensitiveButUnclassified,
		"classified":                 Classified,
		"confidential":               Classified,
		"secret":                     Classified,
		"top_secret":                 Classified,
	}
}

// NewPolicy builds a policy from tiers. Every level must be present.
func NewPolicy(tiers map[Level]Tier, opts ...Option) (*Policy, error) {
	p := &Policy{tiers: make(map[Level]Tier, len(tiers)), labels: defaultLabels()}
	for _, level := range []Level{Unclassified, SensitiveButUnclassified, Classified} {
		t, ok := tiers[level]
		if !ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("tier %s is not defined", level))
		}
		switch t.Exposure {
		case ledger.ExposureFull, ledger.ExposureControlled, ledger.ExposureHashOnly:
		default:
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("tier %s has unknown exposure %q", level, t.Exposure))
		}
		t.Level = level
		if t.AllowedLedgers != nil {
			t.AllowedLedgers = append([]string{}, t.AllowedLedgers...)
			sort.Strings(t.AllowedLedgers)
		}
		p.tiers[level] = t
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy(opts ...Option) *Policy {
	p, err := NewPolicy(DefaultTiers(), opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Resolve maps a classification label to its tier. Unknown labels resolve
// to Classified; an empty label does too unless RequireLabel is set.
func (p *Policy) Resolve(label string) (Tier, error) {
	key := normalizeLabel(label)
	if key == "" {
		if p.requireLabel {
			return Tier{}, xerrors.New(xerrors.CodeClassificationNone, "")
		}
		return p.tier(Classified), nil
	}
	level, ok := p.labels[key]
	if !ok {
		return p.tier(Classified), nil
	}
	return p.tier(level), nil
}

// Check resolves label and refuses ledgers outside the tier.
func (p *Policy) Check(label, ledgerName string) (Tier, error) {
	t, err := p.Resolve(label)
	if err != nil {
		return Tier{}, err
	}
	if !t.Allows(ledgerName) {
		return t, xerrors.New(xerrors.CodeLedgerDenied,
			fmt.Sprintf("ledger %s is not permitted for tier %s", ledgerName, t.Level),
			xerrors.WithMetadata("tier", string(t.Level)),
			xerrors.WithMetadata("ledger", ledgerName))
	}
	return t, nil
}

func (p *Policy) tier(level Level) Tier {
	t := p.tiers[level]
	if t.AllowedLedgers != nil {
		t.AllowedLedgers = append([]string{}, t.AllowedLedgers...)
	}
	return t
}

func normalizeLabel(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	return key
}

// Restrict removes from env everything t's exposure mode does not allow to
// leave the system. For hash-only tiers the package and tags are dropped.
func Restrict(t Tier, env ledger.Envelope) ledger.Envelope {
	env.Exposure = t.Exposure
	switch t.Exposure {
	case ledger.ExposureFull:
	case ledger.ExposureControlled:
		env.Package = nil
	default:
		env.Exposure = ledger.ExposureHashOnly
		env.Package = nil
		env.Tags = nil
	}
	return env
}
