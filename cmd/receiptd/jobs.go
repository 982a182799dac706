package main

import (
	"context"

	"github.com/spf13/cobra"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/task"
)

type jobsOptions struct {
	statuses  []string
	ledger    string
	receiptID string
	limit     int
	offset    int
	oldest    bool
}

type jobsResult struct {
	Stats task.TaskStats `json:"stats"`
	Jobs  []*task.Task   `json:"jobs"`
}

func newJobsCmd(a *app) *cobra.Command {
	var opts jobsOptions
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued commit jobs and their counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.jobs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "Only jobs in these statuses (pending, running, succeeded, failed).")
	cmd.Flags().StringVar(&opts.ledger, "ledger", "", "Only jobs targeting this ledger.")
	cmd.Flags().StringVar(&opts.receiptID, "receipt", "", "Only jobs for this receipt ID.")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum jobs to print (1-100).")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Jobs to skip.")
	cmd.Flags().BoolVar(&opts.oldest, "oldest-first", false, "Order by update time ascending.")
	return cmd
}

func (a *app) jobs(ctx context.Context, opts jobsOptions) (*jobsResult, error) {
	if a.cfg.Storage.Tasks.Driver == "memory" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			"the memory task store is private to the worker process; configure mysql to inspect jobs")
	}
	filters := []task.ListOption{task.WithLedger(opts.ledger), task.WithReceipt(opts.receiptID)}
	if len(opts.statuses) > 0 {
		statuses := make([]task.Status, 0, len(opts.statuses))
		for _, s := range opts.statuses {
			st := task.Status(s)
			if !task.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown job status",
					xerrors.WithMetadata("status", s))
			}
			statuses = append(statuses, st)
		}
		filters = append(filters, task.WithStatuses(statuses...))
	}

	store, err := a.openTaskStore(ctx)
	if err != nil {
		return nil, err
	}
	svc := task.NewService(store, nil, a.cfg.Worker.MaxRetries)
	defer svc.Close()

	stats, err := svc.Stats(ctx, filters...)
	if err != nil {
		return nil, err
	}
	order := task.SortByUpdatedDesc
	if opts.oldest {
		order = task.SortByUpdatedAsc
	}
	list, err := svc.List(ctx, append(filters,
		task.WithLimit(opts.limit), task.WithOffset(opts.offset), task.WithSortOrder(order))...)
	if err != nil {
		return nil, err
	}
	return &jobsResult{Stats: stats, Jobs: list}, nil
}
