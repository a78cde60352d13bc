package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulsefeed/pulsefeed/internal/core/engine"
	"github.com/pulsefeed/pulsefeed/internal/output"
)

var (
	statusAddr   string
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion state and quota usage of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(statusFormat)
		if err != nil {
			return err
		}

		url := serverBaseURL(statusAddr) + "/status"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("reach server at %s: %w", url, err)
		}
		defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}

		var status engine.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		}

		fmt.Println(output.RenderStatus(status))
		return nil
	},
}

func serverBaseURL(addr string) string {
	if addr != "" {
		return "http://" + addr
	}
	return fmt.Sprintf("http://%s:%d", viper.GetString("server.host"), viper.GetInt("server.port"))
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "server address (default from config server.host:server.port)")
	statusCmd.Flags().StringVar(&statusFormat, "output-format", string(output.FormatTable), "Output format: table|json")
}
