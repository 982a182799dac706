package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/merkle"
	"ReceiptChain/internal/receipt"
)

type batchOptions struct {
	files          []string
	outDir         string
	commit         bool
	ledger         string
	classification string
}

type batchResult struct {
	BatchID     string             `json:"batch_id"`
	RootDigest  string             `json:"root_digest"`
	Receipts    []string           `json:"receipts"`
	Disclosures []string           `json:"disclosures,omitempty"`
	Commitment  *ledger.Commitment `json:"commitment,omitempty"`
}

func newBatchCmd(a *app) *cobra.Command {
	var opts batchOptions
	cmd := &cobra.Command{
		Use:   "batch [receipt-id...]",
		Short: "Build a Merkle batch over receipts and optionally commit its root",
		Long: "Receipts are loaded from the repository by ID or from --receipt files." +
			" One disclosure per receipt is written to --out so holders can prove membership" +
			" without revealing the rest of the batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.batch(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringArrayVar(&opts.files, "receipt", nil, "Receipt JSON file; repeatable.")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Directory the disclosures are written to.")
	cmd.Flags().BoolVar(&opts.commit, "commit", false, "Commit the root digest to a ledger.")
	cmd.Flags().StringVar(&opts.ledger, "ledger", "", "Ledger to commit to; defaults to the configured default.")
	cmd.Flags().StringVar(&opts.classification, "classification", "", "Security classification label deciding which ledgers are allowed.")
	return cmd
}

func (a *app) batch(ctx context.Context, ids []string, opts batchOptions) (*batchResult, error) {
	if len(ids) == 0 && len(opts.files) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "no receipts given")
	}

	var receipts []*receipt.Receipt
	for _, file := range opts.files {
		var r receipt.Receipt
		if err := readJSONFile(file, &r); err != nil {
			return nil, err
		}
		receipts = append(receipts, &r)
	}

	needRepo := len(ids) > 0 || opts.commit
	var repo interface {
		Get(ctx context.Context, id string) (*receipt.Receipt, error)
		UpdateChainReference(ctx context.Context, id string, ref receipt.ChainReference) (*receipt.Receipt, error)
	}
	if needRepo {
		r, err := a.openReceipts(ctx)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		repo = r
	}
	for _, id := range ids {
		r, err := repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}

	res := &batchResult{}
	var tree *merkle.Tree
	if opts.commit {
		registry, err := a.openRegistry(ctx)
		if err != nil {
			return nil, err
		}
		defer registry.Close()
		m, err := a.manager(registry, "")
		if err != nil {
			return nil, err
		}
		batch, err := m.CommitBatch(ctx, receipts, opts.classification, opts.ledger)
		if err != nil {
			return nil, err
		}
		tree = batch.Tree
		res.Commitment = &batch.Commitment
		for _, r := range receipts {
			if r.ChainReference == nil {
				continue
			}
			// File-only receipts are not in the repository.
			if _, err := repo.UpdateChainReference(ctx, r.ReceiptID, *r.ChainReference); err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
				return nil, err
			}
		}
	} else {
		t, err := merkle.Build(receipts)
		if err != nil {
			return nil, err
		}
		tree = t
	}

	res.RootDigest = tree.RootDigest()
	res.BatchID = anchor.BatchID(res.RootDigest)
	for _, r := range tree.Receipts() {
		res.Receipts = append(res.Receipts, r.ReceiptID)
	}
	if opts.outDir != "" {
		paths, err := writeDisclosures(tree, opts.outDir)
		if err != nil {
			return nil, err
		}
		res.Disclosures = paths
	}
	return res, nil
}

func writeDisclosures(tree *merkle.Tree, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create disclosure directory")
	}
	paths := make([]string, 0, tree.Len())
	for i := 0; i < tree.Len(); i++ {
		d, err := tree.Reveal(i)
		if err != nil {
			return nil, err
		}
		raw, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStructuralInvalid, err, "encode disclosure")
		}
		path := filepath.Join(dir, d.Receipt.ReceiptID+".disclosure.json")
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "write disclosure")
		}
		paths = append(paths, path)
	}
	return paths, nil
}
