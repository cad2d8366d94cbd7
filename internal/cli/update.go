package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Replace a record's text, regenerating its embedding",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpdate,
	}
	cmd.Flags().String("text", "", "New record text")
	cmd.MarkFlagRequired("text")
	rootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	text, _ := cmd.Flags().GetString("text")

	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.store.Get(cmd.Context(), owner, args[0])
	if err != nil {
		return err
	}
	rec.Text = text
	updated, err := a.memory.Update(cmd.Context(), rec)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(updated)
}
