package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run a consolidation pass over the owner's episodic records",
		Long: "Runs merge, separate and extract over the owner's episodic set. " +
			"With --schedule the process stays up and runs the pass on the given cron expression.",
		Args: cobra.NoArgs,
		RunE: runConsolidate,
	}
	cmd.Flags().String("schedule", "", `Cron expression for periodic runs, e.g. "0 3 * * *"`)
	rootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule == "" {
		summary, err := a.memory.Consolidate(cmd.Context(), owner)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		summary, err := a.memory.Consolidate(cmd.Context(), owner)
		if err != nil {
			a.log.Error().Err(err).Str("owner", owner).Msg("scheduled consolidation failed")
			return
		}
		a.log.Info().Str("owner", owner).
			Int("examined", summary.Examined).
			Int("merged", summary.Merged).
			Int("separated", summary.Separated).
			Int("promoted", summary.Promoted).
			Msg("scheduled consolidation finished")
	})
	if err != nil {
		return err
	}

	c.Start()
	a.log.Info().Str("schedule", schedule).Str("owner", owner).Msg("consolidation scheduled")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cmd.Context().Done():
	}

	<-c.Stop().Done()
	return nil
}
