package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var quotaResetEndpoint string

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored quota windows",
	Long: `Delete stored quota windows so the tracker starts the next window
fresh. Use only when local state is known to have diverged from the
provider; the next responses reconcile the counts either way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		removed, err := db.ResetQuotaWindows(cmd.Context(), strings.TrimSpace(quotaResetEndpoint))
		if err != nil {
			return err
		}

		if quotaResetEndpoint != "" {
			fmt.Printf("removed %d stored window(s) for %s\n", removed, quotaResetEndpoint)
		} else {
			fmt.Printf("removed %d stored window(s)\n", removed)
		}
		return nil
	},
}

func init() {
	quotaResetCmd.Flags().StringVar(&quotaResetEndpoint, "endpoint", "", "Reset only this endpoint's windows")
}
