package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded consolidation cycles, newest first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "l", 20, "Max records (0 for all)")
	historyCmd.Flags().StringP("format", "f", "text", "Output format: text or json")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.engine.History().ListHistory(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if format == "json" {
		if records == nil {
			records = []consolidation.HistoryRecord{}
		}
		return printJSON(cmd.OutOrStdout(), records)
	}
	return writeHistoryTable(cmd.OutOrStdout(), records)
}

// writeHistoryTable prints one line per record with its counts sorted by name.
func writeHistoryTable(w io.Writer, records []consolidation.HistoryRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tKIND\tSTARTED\tTOTAL\tSTATUS\tCOUNTS")
	for _, rec := range records {
		var total time.Duration
		for _, d := range rec.Durations {
			total += d
		}
		status := "ok"
		if rec.Partial {
			status = "partial"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CycleID, rec.Kind, rec.StartedAt.Format(time.RFC3339),
			total.Round(time.Millisecond), status, formatCounts(rec.Counts))
	}
	return tw.Flush()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
