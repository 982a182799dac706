package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/merkle"
	"ReceiptChain/internal/receipt"
)

type verifyOptions struct {
	receiptFile string
	receiptID   string
	packageFile string
	disclosure  string
	publicKey   string
	checkLedger bool
	threshold   uint64
}

func newVerifyCmd(a *app) *cobra.Command {
	var opts verifyOptions
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a receipt against its package, signature, batch and ledger",
		Long: "Prints one result per verification stage. The command fails when any" +
			" requested stage does not pass.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.verify(cmd.Context(), opts, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			if !report.Valid {
				return xerrors.New(xerrors.CodeInvalidArgument, "receipt "+report.ReceiptID+" did not verify")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.receiptFile, "receipt", "", "Receipt JSON file.")
	cmd.Flags().StringVar(&opts.receiptID, "id", "", "Load the receipt from the repository instead of a file.")
	cmd.Flags().StringVar(&opts.packageFile, "package", "", "Package JSON file the receipt was issued for; - reads stdin.")
	cmd.Flags().StringVar(&opts.disclosure, "disclosure", "", "Batch disclosure JSON produced by the batch command.")
	cmd.Flags().StringVar(&opts.publicKey, "public-key", "", "PEM public key; defaults to the configured signing key.")
	cmd.Flags().BoolVar(&opts.checkLedger, "ledger", false, "Also check the recorded ledger transaction.")
	cmd.Flags().Uint64Var(&opts.threshold, "threshold", 0, "Confirmations required by the ledger check; defaults to the configured threshold.")
	_ = cmd.MarkFlagRequired("package")
	cmd.MarkFlagsMutuallyExclusive("receipt", "id")
	return cmd
}

func (a *app) verify(ctx context.Context, opts verifyOptions, stdin io.Reader) (anchor.Report, error) {
	r, err := a.loadReceipt(ctx, opts.receiptFile, opts.receiptID)
	if err != nil {
		return anchor.Report{}, err
	}
	pkg, err := a.readPackage(opts.packageFile, stdin)
	if err != nil {
		return anchor.Report{}, err
	}

	req := anchor.VerifyRequest{Receipt: r, Package: pkg, CheckLedger: opts.checkLedger, Threshold: opts.threshold}
	if req.Threshold == 0 {
		req.Threshold = a.cfg.Ledger.ConfirmationThreshold
	}
	if opts.disclosure != "" {
		var d merkle.Disclosure
		if err := readJSONFile(opts.disclosure, &d); err != nil {
			return anchor.Report{}, err
		}
		req.Disclosure = &d
	}

	var registry anchor.Registry = offlineRegistry{}
	if opts.checkLedger {
		reg, err := a.openRegistry(ctx)
		if err != nil {
			return anchor.Report{}, err
		}
		defer reg.Close()
		registry = reg
	}
	m, err := a.manager(registry, opts.publicKey)
	if err != nil {
		return anchor.Report{}, err
	}
	return m.Verify(ctx, req)
}

// loadReceipt reads a receipt from file, or from the repository by ID.
func (a *app) loadReceipt(ctx context.Context, file, id string) (*receipt.Receipt, error) {
	if id != "" {
		repo, err := a.openReceipts(ctx)
		if err != nil {
			return nil, err
		}
		defer repo.Close()
		return repo.Get(ctx, id)
	}
	if file == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "either --receipt or --id is required")
	}
	var r receipt.Receipt
	if err := readJSONFile(file, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
