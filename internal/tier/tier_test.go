package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
)

func TestDefaultTierTable(t *testing.T) {
	policy := DefaultPolicy()

	u, err := policy.Resolve("Unclassified")
	require.NoError(t, err)
	assert.Equal(t, ledger.ExposureFull, u.Exposure)
	assert.True(t, u.Allows("anything"))
	assert.False(t, u.RequiresAuth)

	sbu, err := policy.Resolve("SBU")
	require.NoError(t, err)
	assert.Equal(t, ledger.ExposureControlled, sbu.Exposure)
	assert.True(t, sbu.Allows("polygon"))
	assert.False(t, sbu.Allows("solana"))
	assert.True(t, sbu.RequiresAuth)
	assert.False(t, sbu.RequiresAuthorization)

	c, err := policy.Resolve("top-secret")
	require.NoError(t, err)
	assert.Equal(t, Classified, c.Level)
	assert.Equal(t, ledger.ExposureHashOnly, c.Exposure)
	assert.Equal(t, []string{"bitcoin", "private-evm"}, c.AllowedLedgers)
	assert.True(t, c.RequiresAuthorization)
}

func TestUnknownLabelsFailClosed(t *testing.T) {
	policy := DefaultPolicy()
	for _, label := range []string{"", "restricted", "UNCLASSIFIED-ish"} {
		resolved, err := policy.Resolve(label)
		require.NoError(t, err, label)
		assert.Equal(t, Classified, resolved.Level, label)
	}
}

func TestRequireLabel(t *testing.T) {
	_, err := DefaultPolicy(RequireLabel()).Resolve(" ")
	assert.Equal(t, xerrors.CodeClassificationNone, xerrors.CodeOf(err))
	assert.True(t, xerrors.IsPolicy(err))
}

func TestWithLabel(t *testing.T) {
	policy := DefaultPolicy(WithLabel("Internal Use", SensitiveButUnclassified))
	resolved, err := policy.Resolve("internal use")
	require.NoError(t, err)
	assert.Equal(t, SensitiveButUnclassified, resolved.Level)
}

func TestCheckDeniesLedgerOutsideTier(t *testing.T) {
	policy := DefaultPolicy()

	_, err := policy.Check("classified", "ethereum")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLedgerDenied, xerrors.CodeOf(err))
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, "classified", e.Metadata()["tier"])

	resolved, err := policy.Check("classified", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, Classified, resolved.Level)
}

func TestResolvedTierCannotMutatePolicy(t *testing.T) {
	policy := DefaultPolicy()
	c, err := policy.Resolve("classified")
	require.NoError(t, err)
	c.AllowedLedgers[0] = "ethereum"

	_, err = policy.Check("classified", "ethereum")
	assert.Error(t, err)
}

func TestNewPolicyValidates(t *testing.T) {
	tiers := DefaultTiers()
	delete(tiers, SensitiveButUnclassified)
	_, err := NewPolicy(tiers)
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))

	tiers = DefaultTiers()
	broken := tiers[Classified]
	broken.Exposure = "everything"
	tiers[Classified] = broken
	_, err = NewPolicy(tiers)
	assert.Error(t, err)
}

func TestRestrictStripsByExposure(t *testing.T) {
	env := ledger.Envelope{
		ReceiptID:   "r",
		PackageHash: "h",
		Tags:        map[string]string{"severity": "high"},
		Package:     map[string]any{"raw": true},
	}
	policy := DefaultPolicy()

	u, _ := policy.Resolve("unclassified")
	full := Restrict(u, env)
	assert.NotNil(t, full.Package)
	assert.Equal(t, ledger.ExposureFull, full.Exposure)

	sbu, _ := policy.Resolve("sbu")
	controlled := Restrict(sbu, env)
	assert.Nil(t, controlled.Package)
	assert.NotEmpty(t, controlled.Tags)

	c, _ := policy.Resolve("classified")
	hashOnly := Restrict(c, env)
	assert.Nil(t, hashOnly.Package)
	assert.Nil(t, hashOnly.Tags)
	assert.Equal(t, "h", hashOnly.PackageHash)
	assert.Equal(t, ledger.ExposureHashOnly, hashOnly.Exposure)
}
