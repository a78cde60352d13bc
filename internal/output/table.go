package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/pulsefeed/pulsefeed/internal/core/engine"
	"github.com/pulsefeed/pulsefeed/internal/core/store"
)

// RenderStatus renders the coordinator status as an ASCII table.
func RenderStatus(status engine.Status) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Used", "Limit", "Remaining", "Reset In"})

	for _, usage := range status.Endpoints {
		t.AppendRow(table.Row{
			string(usage.Endpoint),
			usage.Used,
			usage.Limit,
			usage.Remaining,
			usage.ResetIn,
		})
	}

	t.AppendFooter(table.Row{
		"state: " + string(status.State),
		"",
		"",
		fmt.Sprintf("queue: %d", status.QueueLength),
		"",
	})

	return t.Render()
}

// RenderQuotaWindows renders stored quota windows as an ASCII table.
func RenderQuotaWindows(entries []store.QuotaWindowEntry) string {
	if len(entries) == 0 {
		return "(no stored quota windows)"
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Account", "Window Start", "Count", "Limit", "Updated"})

	for _, entry := range entries {
		account := entry.AccountKey
		if account == "" {
			account = "-"
		}
		t.AppendRow(table.Row{
			string(entry.Endpoint),
			account,
			entry.WindowStart.UTC().Format(time.RFC3339),
			entry.Count,
			entry.Limit,
			entry.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	return t.Render()
}
