package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ReceiptChain/internal/canonical"
	"ReceiptChain/internal/config"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/pkg/logger"
)

const (
	configFlagName  = "config"
	configEnvKey    = "RECEIPTD_CONFIG"
	configFlagUsage = "Path to the receiptd JSON configuration file." +
		" Alternatively, this can be set with the following environment variable: " + configEnvKey
)

// app carries what every sub-command shares: the loaded configuration and
// where results are written.
type app struct {
	configPath string
	lookupEnv  func(string) (string, bool)
	out        io.Writer
	cfg        *config.Config
}

func newRootCmd(out io.Writer, lookupEnv func(string) (string, bool)) *cobra.Command {
	a := &app{out: out, lookupEnv: lookupEnv}

	rootCmd := &cobra.Command{
		Use:           "receiptd",
		Short:         "Issue, verify and commit proof-of-action receipts",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&a.configPath, configFlagName, "c", "", configFlagUsage)

	rootCmd.AddCommand(
		newKeygenCmd(a),
		newHashCmd(a),
		newIssueCmd(a),
		newVerifyCmd(a),
		newBatchCmd(a),
		newCommitCmd(a),
		newStatusCmd(a),
		newWorkerCmd(a),
		newJobsCmd(a),
	)
	return rootCmd
}

// load reads the configuration file named by the flag or RECEIPTD_CONFIG,
// overlays the environment and initialises logging. Without a file the
// defaults are used.
func (a *app) load() error {
	path := a.configPath
	if path == "" {
		if v, ok := a.lookupEnv(configEnvKey); ok {
			path = strings.TrimSpace(v)
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(a.lookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "initialise logger")
	}
	a.cfg = cfg
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPackage loads a JSON package from path, or stdin when path is "-" or
// empty. Numbers keep their exact text.
func (a *app) readPackage(path string, stdin io.Reader) (any, error) {
	raw, err := readInput(path, stdin)
	if err != nil {
		return nil, err
	}
	return canonical.Decode(raw)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read stdin")
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read "+path)
	}
	return raw, nil
}

// readJSONFile decodes the JSON document at path into v.
func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read "+path)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStructuralInvalid, err, "parse "+path)
	}
	return nil
}

// parseKeyValues turns repeated key=value flags into metadata.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "metadata must be key=value: "+pair)
		}
		out[key] = value
	}
	return out, nil
}
