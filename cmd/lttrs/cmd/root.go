package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lttrs",
	Short: "Local JMAP mail cache",
	Long: `lttrs keeps a local cache of one or more JMAP mail accounts.

Mailboxes, threads, emails and the configured mailbox and keyword queries
are synced into a per-account SQLite database. Actions such as archiving or
marking as read are applied to the cache at once and sent to the server in
order through the outbox.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set up logging
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		// --home wins over LTTRS_HOME
		if homeDir != "" {
			if err := os.Setenv("LTTRS_HOME", homeDir); err != nil {
				return fmt.Errorf("set home: %w", err)
			}
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// selectAccounts returns the configured accounts named by ids, or every
// configured account when ids is empty.
func selectAccounts(ids []string) ([]config.AccountConfig, error) {
	if len(ids) == 0 {
		if len(cfg.Accounts) == 0 {
			return nil, fmt.Errorf("no accounts configured\n\nAdd accounts to %s:\n\n%s", configPathHint(), accountExample)
		}
		return cfg.Accounts, nil
	}
	out := make([]config.AccountConfig, 0, len(ids))
	for _, id := range ids {
		acc := cfg.Account(id)
		if acc == nil {
			return nil, fmt.Errorf("unknown account %q (see 'lttrs list-accounts')", id)
		}
		out = append(out, *acc)
	}
	return out, nil
}

func configPathHint() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "config.toml in " + cfg.HomeDir
}

const accountExample = `  [[accounts]]
  id = "work"
  session_url = "https://jmap.example.com/.well-known/jmap"
  token = "$LTTRS_WORK_TOKEN"
  schedule = "*/5 * * * *"
  enabled = true`

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.lttrs/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides LTTRS_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
