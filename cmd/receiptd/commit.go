package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/internal/task"
)

type commitOptions struct {
	ledger         string
	classification string
	packageFile    string
	async          bool
	estimate       bool
}

type commitResult struct {
	Commitment *ledger.Commitment `json:"commitment,omitempty"`
	Receipt    *receipt.Receipt   `json:"receipt,omitempty"`
	Task       *task.Task         `json:"task,omitempty"`
}

func newCommitCmd(a *app) *cobra.Command {
	var opts commitOptions
	cmd := &cobra.Command{
		Use:   "commit <receipt-id>",
		Short: "Commit a stored receipt to a ledger",
		Long: "Commits synchronously and records the chain reference on the stored receipt." +
			" With --async a commit job is queued for the worker instead. The package is only" +
			" read for classifications whose tier allows full exposure and is never queued.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.commit(cmd.Context(), args[0], opts, cmd.InOrStdin())
			if res != nil {
				if perr := a.printJSON(res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.ledger, "ledger", "", "Ledger to commit to; defaults to the configured default.")
	cmd.Flags().StringVar(&opts.classification, "classification", "", "Security classification label deciding the tier.")
	cmd.Flags().StringVar(&opts.packageFile, "package", "", "Package JSON file, used only when the tier allows full exposure.")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Queue a commit job instead of committing now.")
	cmd.Flags().BoolVar(&opts.estimate, "estimate", false, "Print the estimated fee without committing.")
	cmd.MarkFlagsMutuallyExclusive("async", "estimate")
	cmd.MarkFlagsMutuallyExclusive("async", "package")
	return cmd
}

func (a *app) commit(ctx context.Context, id string, opts commitOptions, stdin io.Reader) (*commitResult, error) {
	if opts.async {
		t, err := a.submitCommit(ctx, task.SubmitRequest{
			ReceiptID:      id,
			Ledger:         opts.ledger,
			Classification: opts.classification,
		})
		if err != nil {
			return nil, err
		}
		return &commitResult{Task: t}, nil
	}

	repo, err := a.openReceipts(ctx)
	if err != nil {
		return nil, err
	}
	defer repo.Close()
	r, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	registry, err := a.openRegistry(ctx)
	if err != nil {
		return nil, err
	}
	defer registry.Close()
	m, err := a.manager(registry, "")
	if err != nil {
		return nil, err
	}

	if opts.estimate {
		payload, err := ledger.Format(ledgerKind(registry, opts.ledger), ledger.Envelope{
			ReceiptID:   r.ReceiptID,
			PackageHash: r.PackageHash,
			Timestamp:   r.CreatedAt,
			Exposure:    ledger.ExposureHashOnly,
		})
		if err != nil {
			return nil, err
		}
		c, err := m.EstimateFee(ctx, opts.ledger, len(payload))
		if err != nil {
			return nil, err
		}
		return &commitResult{Commitment: &c}, nil
	}

	req := anchor.CommitRequest{Receipt: r, Classification: opts.classification, Ledger: opts.ledger}
	if opts.packageFile != "" {
		pkg, err := a.readPackage(opts.packageFile, stdin)
		if err != nil {
			return nil, err
		}
		req.Package = pkg
	}
	c, err := m.Commit(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.ChainReference != nil {
		if r, err = repo.UpdateChainReference(ctx, r.ReceiptID, *r.ChainReference); err != nil {
			return nil, err
		}
	}
	if c.Status == ledger.StatusFailed {
		return &commitResult{Commitment: &c, Receipt: r},
			xerrors.New(xerrors.CodeLedgerUnavailable, "commitment failed: "+c.FailureReason,
				xerrors.WithMetadata("ledger", c.Ledger))
	}
	return &commitResult{Commitment: &c, Receipt: r}, nil
}

// ledgerKind resolves the payload family of the named ledger, falling back
// to the registry default.
func ledgerKind(registry anchor.Registry, name string) ledger.Kind {
	if name == "" {
		name = registry.Default()
	}
	_, cfg, err := registry.Lookup(name)
	if err != nil {
		return ledger.KindEVM
	}
	return cfg.Kind()
}

// submitCommit queues a commit job. The task store and queue must be shared
// with the worker, so the in-process drivers are refused.
func (a *app) submitCommit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if a.cfg.Storage.Tasks.Driver == "memory" || a.cfg.Queue.Driver == "memory" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			"queued commits need a shared task store and queue; configure mysql and redis or rabbitmq")
	}
	store, err := a.openTaskStore(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.openQueue(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	svc := task.NewService(store, queue, a.cfg.Worker.MaxRetries)
	defer svc.Close()
	return svc.Submit(ctx, req)
}
