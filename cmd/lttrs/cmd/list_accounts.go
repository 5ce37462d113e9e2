package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	"github.com/spf13/cobra"
)

var listAccountsJSON bool

var listAccountsCmd = &cobra.Command{
	Use:   "list-accounts",
	Short: "List configured JMAP accounts",
	Long: `List the accounts configured in config.toml and whether each one has
a local cache yet.

Examples:
  lttrs list-accounts
  lttrs list-accounts --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Accounts) == 0 {
			fmt.Printf("No accounts configured. Add one to %s:\n\n%s\n", configPathHint(), accountExample)
			return nil
		}

		if listAccountsJSON {
			return outputAccountsJSON(cfg.Accounts)
		}
		outputAccountsTable(cfg.Accounts)
		return nil
	},
}

func cacheExists(id string) bool {
	_, err := os.Stat(cfg.AccountDBPath(id))
	return err == nil
}

func outputAccountsTable(accounts []config.AccountConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION URL\tSCHEDULE\tENABLED\tCACHED")
	fmt.Fprintln(w, "──\t───────────\t────────\t───────\t──────")

	for _, acc := range accounts {
		schedule := acc.Schedule
		if schedule == "" {
			schedule = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", acc.ID, acc.SessionURL, schedule, acc.Enabled, cacheExists(acc.ID))
	}

	w.Flush()
	fmt.Printf("\n%d account(s)\n", len(accounts))
}

func outputAccountsJSON(accounts []config.AccountConfig) error {
	output := make([]map[string]interface{}, len(accounts))
	for i, acc := range accounts {
		output[i] = map[string]interface{}{
			"id":          acc.ID,
			"session_url": acc.SessionURL,
			"schedule":    acc.Schedule,
			"enabled":     acc.Enabled,
			"roles":       acc.QueryRoles(),
			"keywords":    acc.Keywords,
			"cached":      cacheExists(acc.ID),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	rootCmd.AddCommand(listAccountsCmd)
	listAccountsCmd.Flags().BoolVar(&listAccountsJSON, "json", false, "Output as JSON")
}
