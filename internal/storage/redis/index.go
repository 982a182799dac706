package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ReceiptChain/internal/errors"
)

// releaseScript deletes the key only while it still names the caller's
// receipt.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// PackageIndex maps a package hash to the first receipt issued for it.
// Receipt IDs are fresh on every issuance, so retrying callers dedupe here.
type PackageIndex struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewPackageIndex wraps client. A zero ttl keeps entries forever.
func NewPackageIndex(client goredis.UniversalClient, prefix string, ttl time.Duration) *PackageIndex {
	return &PackageIndex{client: client, prefix: keyPrefix(prefix) + "package:", ttl: ttl}
}

func (p *PackageIndex) key(hash string) string {
	return p.prefix + strings.ToLower(strings.TrimSpace(hash))
}

// Reserve records receiptID for hash unless another receipt already holds
// it. It returns the receipt ID that owns the hash and whether it is the one
// passed in.
func (p *PackageIndex) Reserve(ctx context.Context, hash, receiptID string) (string, bool, error) {
	if strings.TrimSpace(hash) == "" || strings.TrimSpace(receiptID) == "" {
		return "", false, xerrors.New(xerrors.CodeInvalidArgument, "package hash and receipt id are required")
	}
	ok, err := p.client.SetNX(ctx, p.key(hash), receiptID, p.ttl).Result()
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "reserve package hash", xerrors.WithRetryable(true))
	}
	if ok {
		return receiptID, true, nil
	}
	owner, found, err := p.Lookup(ctx, hash)
	if err != nil {
		return "", false, err
	}
	if !found {
		// Expired between SETNX and GET.
		return p.Reserve(ctx, hash, receiptID)
	}
	return owner, owner == receiptID, nil
}

// Lookup returns the receipt ID recorded for hash.
func (p *PackageIndex) Lookup(ctx context.Context, hash string) (string, bool, error) {
	owner, err := p.client.Get(ctx, p.key(hash)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "lookup package hash", xerrors.WithRetryable(true))
	}
	return owner, true, nil
}

// Release drops the entry if receiptID still owns it.
func (p *PackageIndex) Release(ctx context.Context, hash, receiptID string) error {
	if err := releaseScript.Run(ctx, p.client, []string{p.key(hash)}, receiptID).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "release package hash")
	}
	return nil
}
