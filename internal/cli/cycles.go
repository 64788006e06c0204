package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var dreamCmd = &cobra.Command{
	Use:   "dream",
	Short: "Run one four-phase dream cycle and print its report",
	RunE:  runDream,
}

var sleepCmd = &cobra.Command{
	Use:   "sleep",
	Short: "Run the legacy sleep pipeline once and print its report",
	Long: "Runs decay, replay, integration and (when enabled) pruning. " +
		"An interrupt stops the run between stages; completed stages are kept.",
	RunE: runSleep,
}

func init() {
	dreamCmd.Flags().Int64("seed", 0, "Seed for the creative phase (0 uses the configured seed or the clock)")
}

func runDream(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.engine.DreamConfig()
	if seed, _ := cmd.Flags().GetInt64("seed"); seed != 0 {
		cfg.Seed = seed
	}
	res, runErr := a.engine.RunDreamCycle(cmd.Context(), cfg)
	if res.CycleID != "" {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("dream cycle: %w", runErr)
	}
	return nil
}

func runSleep(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := a.engine.RunSleepConsolidation(ctx)
	if res.CycleID != "" {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("sleep consolidation: %w", runErr)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
