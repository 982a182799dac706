package canonical

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "ReceiptChain/internal/errors"
)

const (
	// DefaultMaxDepth bounds container nesting of a package.
	DefaultMaxDepth = 10
	// DefaultMaxBytes bounds the encoded size of a package.
	DefaultMaxBytes = 10 << 20
)

// Codec serializes arbitrary packages into a deterministic byte form: keys
// sorted at every level, "," and ":" separators, no whitespace, Unicode kept
// verbatim. Every non-primitive value is first reduced to one primitive
// representation by Normalize.
//
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	maxDepth int
	maxBytes int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxDepth sets the nesting bound. Non-positive values keep the default.
func WithMaxDepth(depth int) Option {
	return func(c *Codec) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// WithMaxBytes sets the encoded size bound. Non-positive values keep the default.
func WithMaxBytes(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// New returns a Codec with the given bounds.
func New(opts ...Option) *Codec {
	c := &Codec{maxDepth: DefaultMaxDepth, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

var defaultCodec = New()

// Marshal encodes v with the default bounds.
func Marshal(v any) ([]byte, error) {
	return defaultCodec.Marshal(v)
}

// MaxDepth returns the configured nesting bound.
func (c *Codec) MaxDepth() int { return c.maxDepth }

// MaxBytes returns the configured size bound.
func (c *Codec) MaxBytes() int { return c.maxBytes }

// Marshal returns the canonical encoding of v. Packages nested deeper than
// the configured bound are rejected, never truncated.
func (c *Codec) Marshal(v any) ([]byte, error) {
	normalized, err := c.Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	encodeValue(&buf, normalized)
	if buf.Len() > c.maxBytes {
		return nil, xerrors.New(xerrors.CodePackageTooLarge,
			fmt.Sprintf("encoded package is %d bytes, limit is %d", buf.Len(), c.maxBytes))
	}
	return buf.Bytes(), nil
}

// Normalize reduces v to a tree made only of nil, bool, string, json.Number,
// map[string]any and []any.
func (c *Codec) Normalize(v any) (any, error) {
	return c.normalize(reflect.ValueOf(v), 0)
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	numberType        = reflect.TypeOf(json.Number(""))
	rawMessageType    = reflect.TypeOf(json.RawMessage(nil))
	bigIntPtrType     = reflect.TypeOf((*big.Int)(nil))
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (c *Codec) normalize(rv reflect.Value, depth int) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Type() {
	case timeType:
		return FormatTime(rv.Interface().(time.Time)), nil
	case numberType:
		return normalizeNumber(rv.String())
	case rawMessageType:
		decoded, err := decodeJSON(rv.Bytes())
		if err != nil {
			return nil, err
		}
		return c.normalize(reflect.ValueOf(decoded), depth)
	case bigIntPtrType:
		if rv.IsNil() {
			return nil, nil
		}
		return json.Number(rv.Interface().(*big.Int).String()), nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Kind() == reflect.Pointer && rv.Type().Implements(textMarshalerType) &&
			!rv.Type().Elem().Implements(textMarshalerType) {
			return marshalText(rv)
		}
		return c.normalize(rv.Elem(), depth)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		if rv.Type().Implements(textMarshalerType) {
			return marshalText(rv)
		}
		s := rv.String()
		if !utf8.ValidString(s) {
			return nil, xerrors.New(xerrors.CodeStructuralInvalid, "string is not valid UTF-8")
		}
		return s, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type().Implements(textMarshalerType) {
			return marshalText(rv)
		}
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if rv.Type().Implements(textMarshalerType) {
			return marshalText(rv)
		}
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		s, err := formatFloat(rv.Float())
		if err != nil {
			return nil, err
		}
		return json.Number(s), nil
	case reflect.Map:
		if err := c.enter(depth); err != nil {
			return nil, err
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			value, err := c.normalize(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return nil, nil
			}
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		if err := c.enter(depth); err != nil {
			return nil, err
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			value, err := c.normalize(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	case reflect.Struct:
		if rv.Type().Implements(textMarshalerType) {
			return marshalText(rv)
		}
		// Structs go through their JSON form so field tags are honoured.
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStructuralInvalid, err, "struct is not serializable")
		}
		decoded, err := decodeJSON(raw)
		if err != nil {
			return nil, err
		}
		return c.normalize(reflect.ValueOf(decoded), depth)
	default:
		return nil, xerrors.New(xerrors.CodeStructuralInvalid,
			fmt.Sprintf("unsupported value of kind %s", rv.Kind()))
	}
}

func (c *Codec) enter(depth int) error {
	if depth+1 > c.maxDepth {
		return xerrors.New(xerrors.CodePackageTooDeep,
			fmt.Sprintf("package nesting exceeds %d levels", c.maxDepth))
	}
	return nil
}

func mapKey(key reflect.Value) (string, error) {
	if key.Kind() == reflect.Interface {
		key = key.Elem()
	}
	if key.Kind() == reflect.String {
		if !utf8.ValidString(key.String()) {
			return "", xerrors.New(xerrors.CodeStructuralInvalid, "map key is not valid UTF-8")
		}
		return key.String(), nil
	}
	if key.IsValid() && key.Type().Implements(textMarshalerType) {
		text, err := marshalText(key)
		if err != nil {
			return "", err
		}
		return text.(string), nil
	}
	return "", xerrors.New(xerrors.CodeStructuralInvalid, "map keys must be strings")
}

func marshalText(rv reflect.Value) (any, error) {
	text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStructuralInvalid, err, "text marshaling failed")
	}
	return string(text), nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStructuralInvalid, err, "malformed JSON")
	}
	if dec.More() {
		return nil, xerrors.New(xerrors.CodeStructuralInvalid, "trailing data after JSON value")
	}
	return out, nil
}

// Decode parses raw JSON into the generic form Normalize produces, keeping
// numbers exact.
func Decode(raw []byte) (any, error) {
	return decodeJSON(raw)
}

// FormatTime renders t in ISO-8601 with microsecond precision and a numeric
// offset, e.g. 2024-03-01T12:00:00.250000+00:00.
func FormatTime(t time.Time) string {
	t = t.Truncate(time.Microsecond)
	base := t.Format("2006-01-02T15:04:05")
	if micros := t.Nanosecond() / 1000; micros != 0 {
		base += fmt.Sprintf(".%06d", micros)
	}
	return base + t.Format("-07:00")
}

func normalizeNumber(text string) (any, error) {
	if text == "" {
		return nil, xerrors.New(xerrors.CodeStructuralInvalid, "empty number")
	}
	if !strings.ContainsAny(text, ".eE") {
		n, ok := new(big.Int).SetString(text, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStructuralInvalid, fmt.Sprintf("invalid integer %q", text))
		}
		return json.Number(n.String()), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStructuralInvalid, err, fmt.Sprintf("invalid number %q", text))
	}
	s, err := formatFloat(f)
	if err != nil {
		return nil, err
	}
	return json.Number(s), nil
}

// formatFloat uses the shortest round-trip form, positional for exponents in
// [-4, 16) with a mandatory fractional part, scientific otherwise.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", xerrors.New(xerrors.CodeStructuralInvalid, "NaN and Infinity are not serializable")
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0", nil
		}
		return "0.0", nil
	}
	exp := int(math.Floor(math.Log10(math.Abs(f))))
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	if idx := strings.IndexByte(sci, 'e'); idx > 0 {
		if parsed, err := strconv.Atoi(sci[idx+1:]); err == nil {
			exp = parsed
		}
	}
	if exp < -4 || exp >= 16 {
		return sci, nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s, nil
}

func encodeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		encodeString(buf, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			encodeValue(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeValue(buf, item)
		}
		buf.WriteByte(']')
	}
}

const hexDigits = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if b < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[b>>4])
				buf.WriteByte(hexDigits[b&0xf])
				continue
			}
			buf.WriteByte(b)
		}
	}
	buf.WriteByte('"')
}
