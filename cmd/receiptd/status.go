package main

import (
	"context"

	"github.com/spf13/cobra"

	"ReceiptChain/internal/anchor"
	"ReceiptChain/internal/receipt"
)

type statusResult struct {
	Confirmation anchor.Confirmation `json:"confirmation"`
	Receipt      *receipt.Receipt    `json:"receipt"`
}

func newStatusCmd(a *app) *cobra.Command {
	var threshold uint64
	cmd := &cobra.Command{
		Use:   "status <receipt-id>",
		Short: "Re-check a stored receipt's ledger commitment and record its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.status(cmd.Context(), args[0], threshold)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().Uint64Var(&threshold, "threshold", 0, "Confirmations required to mark the receipt confirmed; defaults to the configured threshold.")
	return cmd
}

func (a *app) status(ctx context.Context, id string, threshold uint64) (*statusResult, error) {
	if threshold == 0 {
		threshold = a.cfg.Ledger.ConfirmationThreshold
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
	c, err := m.Refresh(ctx, r, threshold)
	if err != nil {
		return nil, err
	}
	updated, err := repo.UpdateChainReference(ctx, id, *r.ChainReference)
	if err != nil {
		return nil, err
	}
	return &statusResult{Confirmation: c, Receipt: updated}, nil
}
