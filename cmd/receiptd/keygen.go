package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/receipt"
)

func newKeygenCmd(a *app) *cobra.Command {
	var (
		out  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key pair",
		Long: "Writes a PKCS#8 private key to --out and its PKIX public key next to it" +
			" with a .pub suffix.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.keygen(out, bits)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "signing.pem", "Path of the private key file.")
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA modulus size; values below 2048 fall back to 3072.")
	return cmd
}

func (a *app) keygen(out string, bits int) error {
	if _, err := os.Stat(out); err == nil {
		return xerrors.New(xerrors.CodeConflict, "refusing to overwrite "+out)
	}
	key, err := receipt.GenerateKey(bits)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "generate key")
	}
	private, err := receipt.EncodePrivateKeyPEM(key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "encode private key")
	}
	public, err := receipt.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "encode public key")
	}

	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create key directory")
		}
	}
	if err := os.WriteFile(out, private, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write private key")
	}
	if err := os.WriteFile(out+".pub", public, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write public key")
	}
	return a.printJSON(map[string]any{
		"private_key": out,
		"public_key":  out + ".pub",
		"bits":        key.N.BitLen(),
	})
}
