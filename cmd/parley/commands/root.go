package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"parley/internal/app"
	"parley/internal/errs"
)

// passphraseEnv is read when --passphrase is not given.
const passphraseEnv = "PARLEY_PASSPHRASE"

// Exit codes. A retryable failure (missing bundle, unknown prekey) asks the
// caller to try again later.
const (
	ExitFailure   = 1
	ExitRetryable = 75
)

var errNoPassphrase = errors.New("passphrase required (-p or " + passphraseEnv + ")")

var (
	home       string
	configPath string
	passphrase string
	relayURL   string
	logLevel   string
	verbose    bool

	cfg    app.Config
	logger = zap.NewNop()
)

// Execute runs the CLI until ctx is cancelled.
func Execute(ctx context.Context) error {
	return newRoot().ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	if errs.ClassOf(err) == errs.ClassRetryable {
		return ExitRetryable
	}
	return ExitFailure
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "parley",
		Short:         "End-to-end encrypted peer messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".parley")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			cfg = app.DefaultConfig(home)
			path := configPath
			if path == "" {
				path = cfg.ConfigPath()
			}
			if err := app.LoadConfig(path, &cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("home") {
				cfg.Home = home
			}
			if cmd.Flags().Changed("relay") {
				cfg.Relay.URL = relayURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			l, err := app.NewLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger = l

			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "state dir (default ~/.parley)")
	pf.StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity")
	pf.StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		passwdCmd(),
		publishCmd(),
		prekeysCmd(),
		sendCmd(),
		recvCmd(),
		sessionsCmd(),
		groupCmd(),
	)
	return root
}

// withWire unlocks the identity, builds the app and runs fn.
func withWire(cmd *cobra.Command, fn func(ctx context.Context, w *app.Wire) error) error {
	if passphrase == "" {
		return errNoPassphrase
	}
	w, err := app.NewWire(cfg, passphrase, logger)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(cmd.Context(), w)
}

func printf(cmd *cobra.Command, format string, a ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}
