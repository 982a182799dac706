package receipt

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Predicate is a pre-publication gate. A receipt is issued only when every
// configured predicate returns true without error.
type Predicate interface {
	Name() string
	Allow(ctx context.Context, req Request) (bool, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc struct {
	Label string
	Fn    func(ctx context.Context, req Request) (bool, error)
}

// Name implements Predicate.
func (p PredicateFunc) Name() string { return p.Label }

// Allow implements Predicate.
func (p PredicateFunc) Allow(ctx context.Context, req Request) (bool, error) {
	if p.Fn == nil {
		return false, fmt.Errorf("predicate %s has no function", p.Label)
	}
	return p.Fn(ctx, req)
}

// SettlementMode states what happens when no settlement predicate is
// configured.
type SettlementMode string

const (
	// SettlementRequired refuses to issue receipts unless a settlement
	// predicate is configured and passes.
	SettlementRequired SettlementMode = "required"
	// SettlementAssumed treats every package as settled when no settlement
	// predicate is configured.
	SettlementAssumed SettlementMode = "assume_settled"
)

// ParseSettlementMode accepts "required" and "assume_settled".
func ParseSettlementMode(s string) (SettlementMode, error) {
	switch SettlementMode(strings.ToLower(strings.TrimSpace(s))) {
	case SettlementRequired:
		return SettlementRequired, nil
	case SettlementAssumed, "":
		return SettlementAssumed, nil
	default:
		return "", fmt.Errorf("unknown settlement mode %q", s)
	}
}

// NonEmptyPackage rejects packages without meaningful content: nil values,
// empty strings, and containers whose entries are all empty.
type NonEmptyPackage struct{}

// Name implements Predicate.
func (NonEmptyPackage) Name() string { return "non_empty_package" }

// Allow implements Predicate.
func (NonEmptyPackage) Allow(_ context.Context, req Request) (bool, error) {
	return meaningful(reflect.ValueOf(req.Package), 0), nil
}

func meaningful(rv reflect.Value, depth int) bool {
	if !rv.IsValid() || depth > 32 {
		return false
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return false
		}
		return meaningful(rv.Elem(), depth+1)
	case reflect.String:
		return strings.TrimSpace(rv.String()) != ""
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if meaningful(iter.Value(), depth+1) {
				return true
			}
		}
		return false
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if meaningful(rv.Index(i), depth+1) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
