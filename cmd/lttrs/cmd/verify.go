package cmd

import (
	"errors"
	"fmt"

	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/spf13/cobra"
)

var verifyRepair bool

var verifyCmd = &cobra.Command{
	Use:   "verify [account...]",
	Short: "Check cached queries for position gaps",
	Long: `Check that the items of every cached query occupy contiguous positions
starting at zero. A violation means the cache is corrupt; with --repair
the affected queries are invalidated so the next sync refetches them.

Examples:
  lttrs verify
  lttrs verify work --repair`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := selectAccounts(args)
		if err != nil {
			return err
		}

		failed := 0
		for _, acc := range accounts {
			n, err := verifyAccount(cmd, acc.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", acc.ID, err)
			}
			if n > 0 {
				failed++
			}
		}
		if failed > 0 && !verifyRepair {
			return fmt.Errorf("%d account(s) failed verification", failed)
		}
		return nil
	},
}

// verifyAccount prints the violations found in one account's cache and
// returns how many there were.
func verifyAccount(cmd *cobra.Command, id string) (int, error) {
	s, err := store.Open(cfg.AccountDBPath(id))
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		return 0, fmt.Errorf("init schema: %w", err)
	}

	engine := cache.Open(s).WithLogger(logger.With("account", id))
	verr := engine.Verify(cmd.Context())
	if verr == nil {
		fmt.Printf("%s: ok\n", id)
		return 0, nil
	}

	violations := []error{verr}
	if joined, ok := verr.(interface{ Unwrap() []error }); ok {
		violations = joined.Unwrap()
	}
	for _, v := range violations {
		if store.KindOf(v) != store.KindCorrupt {
			return 0, v
		}
	}

	fmt.Printf("%s: %d violation(s)\n", id, len(violations))
	for _, v := range violations {
		fmt.Printf("  %v\n", v)
	}

	if verifyRepair {
		if err := repairQueries(cmd, s, engine); err != nil {
			return len(violations), err
		}
		fmt.Printf("  invalidated broken queries, run 'lttrs sync %s' to refetch\n", id)
	}
	return len(violations), nil
}

func repairQueries(cmd *cobra.Command, s *store.Store, engine *cache.Engine) error {
	var broken []string
	err := s.View(cmd.Context(), func(tx *store.Tx) error {
		queries, err := tx.ListQueries()
		if err != nil {
			return err
		}
		for _, q := range queries {
			if err := tx.CheckContiguous(q.QueryString); err != nil {
				if !errors.Is(err, store.ErrCorruptCache) {
					return err
				}
				broken = append(broken, q.QueryString)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, q := range broken {
		if err := engine.Invalidate(cmd.Context(), q); err != nil {
			return fmt.Errorf("invalidate %s: %w", q, err)
		}
	}
	return nil
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "invalidate queries that fail verification")
	rootCmd.AddCommand(verifyCmd)
}
