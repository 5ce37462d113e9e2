package cmd

import (
	"fmt"

	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db [account...]",
	Short: "Initialize the cache database schema",
	Long: `Initialize the cache database of each named account, or of every
configured account when none is named.

It is safe to run multiple times - tables are only created if they don't
already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := selectAccounts(args)
		if err != nil {
			return err
		}

		for _, acc := range accounts {
			dbPath := cfg.AccountDBPath(acc.ID)
			logger.Info("initializing database", "account", acc.ID, "path", dbPath)

			s, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if err := s.InitSchema(); err != nil {
				s.Close()
				return fmt.Errorf("init schema: %w", err)
			}
			stats, err := s.GetStats()
			s.Close()
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			fmt.Printf("%s: %s\n", acc.ID, dbPath)
			printStats(stats)
		}
		return nil
	},
}

func printStats(stats *store.Stats) {
	fmt.Printf("  Mailboxes:   %d\n", stats.MailboxCount)
	fmt.Printf("  Threads:     %d\n", stats.ThreadCount)
	fmt.Printf("  Emails:      %d\n", stats.EmailCount)
	fmt.Printf("  Identities:  %d\n", stats.IdentityCount)
	fmt.Printf("  Queries:     %d (%d items)\n", stats.QueryCount, stats.QueryItemCount)
	fmt.Printf("  Overwrites:  %d\n", stats.OverwriteCount)
	fmt.Printf("  Size:        %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
