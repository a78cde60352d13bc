package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncAddr string

var syncCmd = &cobra.Command{
	Use:   "sync [account-id...]",
	Short: "Trigger an immediate fetch for tracked accounts",
	Long: `Trigger an immediate fetch on a running server. Without arguments all
tracked accounts are synced. Accounts fetched within the cooldown window
are skipped, and concurrent sync requests collapse into one pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := cliLogger()
		if err != nil {
			return err
		}

		payload, err := json.Marshal(map[string][]string{"account_ids": args})
		if err != nil {
			return err
		}

		url := serverBaseURL(syncAddr) + "/sync"
		logger.Debug("requesting sync",
			zap.String("url", url),
			zap.Strings("account_ids", args))
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("reach server at %s: %w", url, err)
		}
		defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusOK:
			if len(args) == 0 {
				fmt.Println("sync triggered for all tracked accounts")
			} else {
				fmt.Printf("sync triggered for %s\n", strings.Join(args, ", "))
			}
			return nil
		case http.StatusTooManyRequests:
			return fmt.Errorf("provider quota exhausted, try again later")
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sync failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVar(&syncAddr, "addr", "", "server address (default from config server.host:server.port)")
}
