package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/internal/storage/mysql"
	"ReceiptChain/internal/storage/redis"
	"ReceiptChain/pkg/logger"
)

type issueOptions struct {
	tags           receipt.Tags
	metadata       []string
	paymentID      string
	allowDuplicate bool
}

// issueResult is what issue prints. Deduplicated is set when an earlier
// receipt for the same package was returned instead of the new one.
type issueResult struct {
	Receipt      *receipt.Receipt `json:"receipt"`
	Deduplicated bool             `json:"deduplicated"`
}

func newIssueCmd(a *app) *cobra.Command {
	var opts issueOptions
	cmd := &cobra.Command{
		Use:   "issue [package.json]",
		Short: "Issue and store a signed receipt for a package",
		Long: "Issues a receipt for the package read from the file, or stdin when omitted." +
			" A package that already has a receipt returns the stored one unless --allow-duplicate is set.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.readPackage(argOrStdin(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			res, err := a.issue(cmd.Context(), pkg, opts)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&opts.tags.SubjectID, "subject", "", "Subject the action was performed for.")
	cmd.Flags().StringVar(&opts.tags.Severity, "severity", "", "Severity label recorded on the receipt.")
	cmd.Flags().StringVar(&opts.tags.Kind, "kind", "", "Kind of action the package describes.")
	cmd.Flags().StringArrayVar(&opts.metadata, "meta", nil, "Annotation as key=value; repeatable.")
	cmd.Flags().StringVar(&opts.paymentID, "payment-id", "", "Payment reference checked by the settlement gate.")
	cmd.Flags().BoolVar(&opts.allowDuplicate, "allow-duplicate", false, "Store a new receipt even when the package already has one.")
	return cmd
}

func (a *app) issue(ctx context.Context, pkg any, opts issueOptions) (*issueResult, error) {
	meta, err := parseKeyValues(opts.metadata)
	if err != nil {
		return nil, err
	}
	if opts.paymentID != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta[redis.PaymentIDKey] = opts.paymentID
	}

	repo, err := a.openReceipts(ctx)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	client, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	var (
		gate  receipt.Predicate
		index *redis.PackageIndex
	)
	if client != nil {
		defer client.Close()
		prefix := a.cfg.Storage.Redis.Prefix
		gate = redis.NewSettlementGate(client, prefix, a.cfg.Storage.Redis.SettlementSet)
		index = redis.NewPackageIndex(client, prefix, dedupeTTL)
	}

	gen, err := a.generator(gate)
	if err != nil {
		return nil, err
	}
	var claim receipt.ClaimFunc
	if !opts.allowDuplicate {
		claim = func(ctx context.Context, candidate *receipt.Receipt) (*receipt.Receipt, error) {
			return findExisting(ctx, repo, index, candidate)
		}
	}
	r, deduplicated, err := gen.Issue(ctx, receipt.Request{Package: pkg, Tags: opts.tags, Metadata: meta}, claim)
	if err != nil {
		return nil, err
	}
	if deduplicated {
		logger.L().Info("package already has a receipt",
			slog.String("package_hash", r.PackageHash),
			slog.String("receipt_id", r.ReceiptID))
		return &issueResult{Receipt: r, Deduplicated: true}, nil
	}

	if err := repo.Save(ctx, r); err != nil {
		if index != nil {
			_ = index.Release(ctx, r.PackageHash, r.ReceiptID)
		}
		return nil, err
	}
	return &issueResult{Receipt: r}, nil
}

// findExisting returns the receipt already stored for r's package. With a
// Redis index the hash is reserved for r atomically; otherwise the
// repository is searched.
func findExisting(ctx context.Context, repo mysql.ReceiptRepository, index *redis.PackageIndex, r *receipt.Receipt) (*receipt.Receipt, error) {
	if index != nil {
		owner, reserved, err := index.Reserve(ctx, r.PackageHash, r.ReceiptID)
		if err != nil {
			return nil, err
		}
		if reserved {
			return nil, nil
		}
		existing, err := repo.Get(ctx, owner)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, mysql.ErrReceiptNotFound) {
			return nil, err
		}
		// Reserved by an issuance that has not saved yet.
		return nil, xerrors.New(xerrors.CodeConflict, "package is being issued as receipt "+owner,
			xerrors.WithRetryable(true), xerrors.WithMetadata("receipt_id", owner))
	}

	found, err := repo.FindByPackageHash(ctx, r.PackageHash)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}
