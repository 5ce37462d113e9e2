package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/spf13/cobra"
)

var (
	inspectQuery string
	inspectJSON  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <account>",
	Short: "Show what an account's cache holds",
	Long: `Show the state tokens, cached queries and pending overwrites of an
account's cache. With --query, list the items of one query in position
order, marking threads hidden by an overwrite.

Examples:
  lttrs inspect work
  lttrs inspect work --query '{"filter":{"inMailbox":"mb-inbox"}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := selectAccounts(args)
		if err != nil {
			return err
		}
		acc := accounts[0]

		s, err := store.Open(cfg.AccountDBPath(acc.ID))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()
		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		if inspectQuery != "" {
			return inspectItems(cmd, s, inspectQuery)
		}
		return inspectCache(cmd, s, acc.ID)
	},
}

type queryInfo struct {
	Query               string `json:"query"`
	State               string `json:"state"`
	Valid               bool   `json:"valid"`
	CanCalculateChanges bool   `json:"can_calculate_changes"`
	Items               int    `json:"items"`
}

func inspectCache(cmd *cobra.Command, s *store.Store, id string) error {
	var (
		objects store.ObjectsState
		queries []queryInfo
	)
	err := s.View(cmd.Context(), func(tx *store.Tx) error {
		var err error
		if objects, err = tx.ObjectsState(); err != nil {
			return err
		}
		list, err := tx.ListQueries()
		if err != nil {
			return err
		}
		for _, q := range list {
			items, err := tx.QueryItems(q.QueryString)
			if err != nil {
				return err
			}
			queries = append(queries, queryInfo{
				Query:               q.QueryString,
				State:               q.State,
				Valid:               q.Valid,
				CanCalculateChanges: q.CanCalculateChanges,
				Items:               len(items),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}
	stats, err := s.GetStats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"account": id,
			"states": map[string]string{
				"mailbox": objects.MailboxState,
				"thread":  objects.ThreadState,
				"email":   objects.EmailState,
			},
			"queries": queries,
			"stats":   stats,
		})
	}

	fmt.Printf("Account: %s\n", id)
	fmt.Printf("  Mailbox state: %s\n", orDash(objects.MailboxState))
	fmt.Printf("  Thread state:  %s\n", orDash(objects.ThreadState))
	fmt.Printf("  Email state:   %s\n", orDash(objects.EmailState))
	printStats(stats)
	fmt.Println()

	if len(queries) == 0 {
		fmt.Println("No cached queries. Run 'lttrs sync' first.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tVALID\tCHANGES\tITEMS\tQUERY")
	for _, q := range queries {
		fmt.Fprintf(w, "%s\t%t\t%t\t%d\t%s\n", orDash(q.State), q.Valid, q.CanCalculateChanges, q.Items, q.Query)
	}
	return w.Flush()
}

func inspectItems(cmd *cobra.Command, s *store.Store, query string) error {
	var items, visible []store.QueryItem
	err := s.View(cmd.Context(), func(tx *store.Tx) error {
		var err error
		if items, err = tx.QueryItems(query); err != nil {
			return err
		}
		visible, err = tx.VisibleQueryItems(query)
		return err
	})
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}

	shown := make(map[string]bool, len(visible))
	for _, it := range visible {
		shown[it.EmailID] = true
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tEMAIL\tTHREAD\tHIDDEN")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", it.Position, it.EmailID, it.ThreadID, !shown[it.EmailID])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d item(s), %d hidden\n", len(items), len(items)-len(visible))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	inspectCmd.Flags().StringVar(&inspectQuery, "query", "", "list the items of this canonical query string")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(inspectCmd)
}
