package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/account"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/spf13/cobra"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync [account...]",
	Short: "Sync accounts with their JMAP servers",
	Long: `Sync the named accounts, or every configured account when none is named.

A sync brings mailboxes, identities, threads and emails up to date through
the server's change log and then refreshes the configured queries. Queries
are refreshed incrementally when the server can calculate the changes and
fetched in full otherwise.

Use --full to forget the cached thread and email states and refetch every
query from scratch.

Examples:
  lttrs sync
  lttrs sync work
  lttrs sync work --full`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := selectAccounts(args)
		if err != nil {
			return err
		}

		var errs []error
		for _, acc := range accounts {
			if err := syncAccount(cmd.Context(), acc.ID); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				fmt.Printf("%s: sync failed: %v\n", acc.ID, err)
				errs = append(errs, fmt.Errorf("%s: %w", acc.ID, err))
			}
		}
		return errors.Join(errs...)
	},
}

func syncAccount(ctx context.Context, id string) error {
	a, err := account.Open(cfg, *cfg.Account(id), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if syncFull {
		if err := a.Engine().ResetObjects(ctx); err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
	}

	summary, err := a.Sync(ctx)
	if err != nil {
		if store.KindOf(err) == store.KindCorrupt {
			return fmt.Errorf("%w (run 'lttrs verify %s')", err, id)
		}
		return err
	}

	fmt.Printf("%s: synced in %s\n", id, summary.Duration.Round(time.Millisecond))
	fmt.Printf("  Queries:  %d full, %d incremental\n", summary.QueriesFull, summary.QueriesIncremental)
	fmt.Printf("  Items:    +%d -%d\n", summary.ItemsAdded, summary.ItemsRemoved)
	if summary.ObjectsReset {
		fmt.Println("  Thread and email history was unavailable; objects were refetched.")
	}
	if summary.Restarts > 0 {
		fmt.Printf("  Restarts: %d\n", summary.Restarts)
	}
	return nil
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "refetch every query from scratch")
	rootCmd.AddCommand(syncCmd)
}
