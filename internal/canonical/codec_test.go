package canonical

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ReceiptChain/internal/errors"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	pkg := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"y": true, "b": nil, "a": []any{"x", 2}},
	}
	out, err := Marshal(pkg)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":["x",2],"b":null,"y":true},"zeta":1}`, string(out))
}

func TestMarshalIgnoresSourceFormatting(t *testing.T) {
	compact := json.RawMessage(`{"hash":"94f8...","block":825000}`)
	spaced := json.RawMessage("{\n  \"block\" : 825000,\n  \"hash\" : \"94f8...\"\n}")

	a, err := Marshal(compact)
	require.NoError(t, err)
	b, err := Marshal(spaced)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"block":825000,"hash":"94f8..."}`, string(a))
}

func TestMarshalKeepsUnicodeAndEscapesControls(t *testing.T) {
	out, err := Marshal(map[string]any{"név": "héllo \"w\"\n\x01 <&>"})
	require.NoError(t, err)
	assert.Equal(t, `{"név":"héllo \"w\"\n\u0001 <&>"}`, string(out))
}

func TestMarshalFloats(t *testing.T) {
	cases := map[float64]string{
		1.0:     "1.0",
		0.5:     "0.5",
		-2.25:   "-2.25",
		1e16:    "1e+16",
		1e15:    "1000000000000000.0",
		0.0001:  "0.0001",
		0.00001: "1e-05",
		0:       "0.0",
	}
	for in, want := range cases {
		out, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, want, string(out), "input %v", in)
	}
}

func TestMarshalRejectsNaN(t *testing.T) {
	_, err := Marshal(map[string]any{"x": math.NaN()})
	require.Error(t, err)
	assert.True(t, xerrors.IsStructural(err))
}

func TestMarshalJSONNumbers(t *testing.T) {
	out, err := Marshal(json.RawMessage(`[1, -0, 1.50, 1e2, 123456789012345678901234567890]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,0,1.5,100.0,123456789012345678901234567890]`, string(out))
}

func TestMarshalDepthBound(t *testing.T) {
	codec := New(WithMaxDepth(3))

	ok := map[string]any{"a": map[string]any{"b": []any{"c"}}}
	_, err := codec.Marshal(ok)
	require.NoError(t, err)

	deep := map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": 1}}}}
	_, err = codec.Marshal(deep)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePackageTooDeep, xerrors.CodeOf(err))
}

func TestMarshalDefaultDepthRejectsEleven(t *testing.T) {
	var pkg any = "leaf"
	for i := 0; i < DefaultMaxDepth; i++ {
		pkg = []any{pkg}
	}
	_, err := Marshal(pkg)
	require.NoError(t, err)

	_, err = Marshal([]any{pkg})
	assert.Equal(t, xerrors.CodePackageTooDeep, xerrors.CodeOf(err))
}

func TestMarshalSizeBound(t *testing.T) {
	codec := New(WithMaxBytes(16))
	_, err := codec.Marshal(map[string]any{"payload": "this is longer than sixteen bytes"})
	assert.Equal(t, xerrors.CodePackageTooLarge, xerrors.CodeOf(err))
}

type sample struct {
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Skipped string    `json:"-"`
	Count   int       `json:"count"`
}

func TestMarshalStructsAndTimes(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	out, err := Marshal(map[string]any{"event": sample{Name: "x", At: at, Skipped: "no", Count: 3}, "seen": at})
	require.NoError(t, err)
	assert.Equal(t,
		`{"event":{"at":"2024-03-01T12:00:00.25Z","count":3,"name":"x"},"seen":"2024-03-01T12:00:00.250000+00:00"}`,
		string(out))
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("x", 2*3600)
	assert.Equal(t, "2024-01-02T03:04:05+02:00", FormatTime(time.Date(2024, 1, 2, 3, 4, 5, 0, loc)))
	assert.Equal(t, "2024-01-02T03:04:05.000001+00:00", FormatTime(time.Date(2024, 1, 2, 3, 4, 5, 1_999, time.UTC)))
}

type level int

func (l level) MarshalText() ([]byte, error) {
	return []byte([]string{"low", "high"}[l]), nil
}

func TestMarshalTaggedVariants(t *testing.T) {
	out, err := Marshal(map[string]any{"severity": level(1), "bytes": []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, `{"bytes":"aGk=","severity":"high"}`, string(out))
}

func TestMarshalRejectsNonStringKeys(t *testing.T) {
	_, err := Marshal(map[int]string{1: "a"})
	assert.Equal(t, xerrors.CodeStructuralInvalid, xerrors.CodeOf(err))
}

func TestMarshalRejectsUnsupportedKinds(t *testing.T) {
	_, err := Marshal(map[string]any{"fn": func() {}})
	assert.True(t, xerrors.IsStructural(err))
}
