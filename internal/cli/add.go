package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [text...]",
		Short: "Run the write decision over a turn and persist the result",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAdd,
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation id the turn belongs to")
	rootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	conversation, _ := cmd.Flags().GetString("conversation")

	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.memory.Add(cmd.Context(), strings.Join(args, " "), owner, conversation)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("skipped: %s\n", res.SkipReason)
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Written)
}
