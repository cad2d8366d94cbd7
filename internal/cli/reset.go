package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete every record the owner has",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.memory.Reset(cmd.Context(), owner)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d record(s) for %s\n", n, owner)
	return nil
}
