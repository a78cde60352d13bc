package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulsefeed/pulsefeed/internal/core/store"
	"github.com/pulsefeed/pulsefeed/internal/output"
)

var (
	quotaListFormat   string
	quotaListAll      bool
	quotaListEndpoint string
)

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored quota windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(quotaListFormat)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListQuotaWindows(cmd.Context(), store.QuotaWindowQuery{
			All:      quotaListAll,
			Endpoint: strings.TrimSpace(quotaListEndpoint),
		})
		if err != nil {
			return err
		}

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		}

		fmt.Println(output.RenderQuotaWindows(entries))
		return nil
	},
}

func init() {
	quotaListCmd.Flags().StringVar(&quotaListFormat, "output-format", string(output.FormatTable), "Output format: table|json")
	quotaListCmd.Flags().BoolVar(&quotaListAll, "all", false, "Include expired windows")
	quotaListCmd.Flags().StringVar(&quotaListEndpoint, "endpoint", "", "List windows with matching endpoint prefix")
}
