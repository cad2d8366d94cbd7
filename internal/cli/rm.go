package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "rm [id...]",
		Short: "Delete records by id",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRm,
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	for _, id := range args {
		if err := a.memory.DeleteRecord(cmd.Context(), owner, id); err != nil {
			return err
		}
	}
	fmt.Printf("deleted %d record(s)\n", len(args))
	return nil
}
