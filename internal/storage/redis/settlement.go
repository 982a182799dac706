package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/receipt"
)

// PaymentIDKey is the request metadata field naming the payment to check.
const PaymentIDKey = "payment_id"

// SettlementGate passes a request once its payment reference is a member of
// the settled set. The reference is metadata[payment_id], falling back to the
// subject ID.
type SettlementGate struct {
	client goredis.UniversalClient
	key    string
}

var _ receipt.Predicate = (*SettlementGate)(nil)

// NewSettlementGate uses the set <prefix>:<set>.
func NewSettlementGate(client goredis.UniversalClient, prefix, set string) *SettlementGate {
	if strings.TrimSpace(set) == "" {
		set = "settled"
	}
	return &SettlementGate{client: client, key: keyPrefix(prefix) + set}
}

// Name implements receipt.Predicate.
func (g *SettlementGate) Name() string { return "redis_settlement" }

// Allow implements receipt.Predicate. A request without a payment reference
// is refused.
func (g *SettlementGate) Allow(ctx context.Context, req receipt.Request) (bool, error) {
	ref := PaymentReference(req)
	if ref == "" {
		return false, nil
	}
	ok, err := g.client.SIsMember(ctx, g.key, ref).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "check settlement", xerrors.WithRetryable(true))
	}
	return ok, nil
}

// MarkSettled adds payment references to the settled set.
func (g *SettlementGate) MarkSettled(ctx context.Context, refs ...string) error {
	members := make([]any, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			members = append(members, ref)
		}
	}
	if len(members) == 0 {
		return nil
	}
	if err := g.client.SAdd(ctx, g.key, members...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark settled")
	}
	return nil
}

// Revoke removes a payment reference, for example after a chargeback.
func (g *SettlementGate) Revoke(ctx context.Context, ref string) error {
	if err := g.client.SRem(ctx, g.key, ref).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "revoke settlement")
	}
	return nil
}

// PaymentReference extracts the reference SettlementGate checks.
func PaymentReference(req receipt.Request) string {
	if v, ok := req.Metadata[PaymentIDKey]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return strings.TrimSpace(req.Tags.SubjectID)
}
