package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search messages you have posted or read",
	Long: `Search messages by meaning. Only messages this peer has posted or read
are indexed.

Examples:
  tendril search "deploy failed"
  tendril search "lunch" --conversation <conversation> --limit 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		limit, _ := cmd.Flags().GetInt("limit")
		return runSearch(cmd.Context(), args[0], conv, limit)
	},
}

func init() {
	searchCmd.Flags().String("conversation", "", "Only search this conversation")
	searchCmd.Flags().Int("limit", 5, "Maximum results")
}

func runSearch(ctx context.Context, query, conv string, limit int) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	hits, err := sess.index.Search(ctx, edgestore.Address(conv), query, limit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No matching messages.")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.2f  %s  %s  %s\n", h.Similarity, h.Address.Short(), h.Author.Short(), search.Snippet(h.Payload, 100))
	}
	return nil
}
