package main

import (
	"github.com/spf13/cobra"
)

func newHashCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash [package.json]",
		Short: "Print the canonical digest of a package",
		Long:  "Hashes the package read from the file, or stdin when omitted, without issuing a receipt.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.readPackage(argOrStdin(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			hasher, err := a.cfg.Hasher()
			if err != nil {
				return err
			}
			digest, err := hasher.HashPackage(pkg)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]string{
				"package_hash":   digest,
				"hash_algorithm": string(hasher.Algorithm()),
			})
		},
	}
}

func argOrStdin(args []string) string {
	if len(args) == 0 {
		return "-"
	}
	return args[0]
}
