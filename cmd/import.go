package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <conversation> <path>",
	Short: "Post a transcript of messages into a conversation",
	Long: `Post every message in a transcript into a conversation, in file order.

A .jsonl file holds one message per line; a .json file holds an array of
messages or a single message. The path can also be a directory of such
files, imported in name order. Each message looks like:

  {"message_type": "text", "payload": "hello", "timestamp": 1700000000000}

ChatGPT (conversations.json) and Claude history exports are recognised too;
each turn is posted as a text message with the speaker's role in meta.

Examples:
  tendril import <conversation> history.jsonl
  tendril import <conversation> ~/Downloads/conversations.json
  tendril import <conversation> ./transcripts/`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd.Context(), args[0], args[1])
	},
}

func runImport(ctx context.Context, conv, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", path, err)
	}

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	imp := importer.New(sess.chat)
	var result *importer.ImportResult
	if info.IsDir() {
		result, err = imp.ImportFromDirectory(ctx, edgestore.Address(conv), path)
	} else {
		result, err = imp.ImportFromFile(ctx, edgestore.Address(conv), path)
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("✅ Imported %d message(s) from %d file(s) in %s\n",
		result.MessagesPosted, result.FilesProcessed, result.Duration.Round(1e6))
	if len(result.Errors) > 0 {
		fmt.Printf("⚠️  %d error(s):\n", len(result.Errors))
		for i, e := range result.Errors {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(result.Errors)-10)
				break
			}
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}
