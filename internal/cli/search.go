package cli

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Rank the owner's records against a query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	cmd.Flags().Int("ke", 0, "Episodic result cap (default from config)")
	cmd.Flags().Int("ks", 0, "Semantic result cap (default from config)")
	cmd.Flags().Bool("wait", true, "Wait for the background consumers before exiting")
	rootCmd.AddCommand(cmd)
}

type searchLine struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
	Usage int64   `json:"usage_count"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	owner, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ke, _ := cmd.Flags().GetInt("ke")
	ks, _ := cmd.Flags().GetInt("ks")
	wait, _ := cmd.Flags().GetBool("wait")
	if ke <= 0 {
		ke = a.cfg.Search.KEpisodic
	}
	if ks <= 0 {
		ks = a.cfg.Search.KSemantic
	}

	res, err := a.memory.Search(cmd.Context(), strings.Join(args, " "), owner, ke, ks)
	if err != nil {
		return err
	}

	lines := make([]searchLine, len(res.Records))
	for i, hit := range res.Records {
		lines[i] = searchLine{
			ID:    hit.ID,
			Kind:  string(hit.Kind),
			Score: hit.Score,
			Text:  hit.Text,
			Usage: hit.UsageCount,
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(lines); err != nil {
		return err
	}

	if wait {
		if err := res.Dispatch.Wait(cmd.Context()); err != nil {
			a.log.Warn().Err(err).Msg("background consumer failed")
		}
	}
	return nil
}
