package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/bundle"
	"github.com/CanopyHQ/tendril/internal/edgestore"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Exchange records with other peers",
	Long: `Export records into a signed .tndl bundle, or import a bundle another
peer exported. Peers that exchange bundles converge on the same history.

Examples:
  tendril bundle export --output all.tndl
  tendril bundle export --conversation <conversation> --output general.tndl
  tendril bundle import general.tndl
  tendril bundle inspect general.tndl`,
}

func init() {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write records to a bundle file",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, _ := cmd.Flags().GetString("conversation")
			output, _ := cmd.Flags().GetString("output")
			return runBundleExport(cmd.Context(), conv, output)
		},
	}
	exportCmd.Flags().String("conversation", "", "Only export this conversation")
	exportCmd.Flags().String("output", "", "Output filename (required)")
	bundleCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import [file.tndl]",
		Short: "Import a bundle file (local or over HTTPS)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			var filePath string
			if len(args) >= 1 {
				filePath = args[0]
			}
			return runBundleImport(cmd.Context(), from, filePath)
		},
	}
	importCmd.Flags().String("from", "", "Download the bundle from an HTTPS URL")
	bundleCmd.AddCommand(importCmd)

	bundleCmd.AddCommand(&cobra.Command{
		Use:   "inspect <file.tndl>",
		Short: "View a bundle manifest without importing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundleInspect(args[0])
		},
	})
}

func runBundleExport(ctx context.Context, conv, output string) error {
	if output == "" {
		return fmt.Errorf("--output is required")
	}

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	p, err := bundle.Export(ctx, sess.store, sess.id, edgestore.Address(conv))
	if err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	if err := bundle.WriteFile(output, p); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	fmt.Printf("📦 Created %s (%d entries, %d links)\n", output, p.Manifest.EntryCount, p.Manifest.LinkCount)
	return nil
}

func runBundleImport(ctx context.Context, fromURL, filePath string) error {
	var inputPath string
	if fromURL != "" {
		inputPath = downloadBundle(fromURL)
		if inputPath == "" {
			return fmt.Errorf("failed to download bundle")
		}
		defer os.Remove(inputPath)
	} else if filePath != "" {
		inputPath = filePath
	} else {
		return fmt.Errorf("provide a file path or --from URL")
	}

	fmt.Printf("📦 Reading %s...\n", inputPath)
	p, err := bundle.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := bundle.Import(ctx, sess.store, p)
	if err != nil {
		return fmt.Errorf("failed to import bundle: %w", err)
	}
	fmt.Printf("🔓 Signature OK (signer %s)\n", p.Manifest.Signer.Short())
	fmt.Printf("✨ Imported %d entries and %d links\n", res.Entries, res.Links)
	if res.Skipped > 0 {
		fmt.Printf("⚠️  Skipped %d entries whose content did not match their address\n", res.Skipped)
	}
	return nil
}

// downloadBundle downloads a .tndl file from a URL to a temp file
func downloadBundle(rawURL string) string {
	fmt.Printf("📥 Downloading bundle from %s...\n", rawURL)

	if !strings.HasPrefix(rawURL, "https://") {
		fmt.Println("❌ Only HTTPS URLs are supported for bundle downloads")
		return ""
	}

	resp, err := http.Get(rawURL)
	if err != nil {
		fmt.Printf("❌ Failed to download: %v\n", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("❌ Server returned %d\n", resp.StatusCode)
		return ""
	}

	tmpFile, err := os.CreateTemp("", "bundle-*.tndl")
	if err != nil {
		fmt.Printf("❌ Failed to create temp file: %v\n", err)
		return ""
	}

	limited := io.LimitReader(resp.Body, 50*1024*1024)
	if _, err := io.Copy(tmpFile, limited); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		fmt.Printf("❌ Failed to save bundle: %v\n", err)
		return ""
	}
	tmpFile.Close()

	return tmpFile.Name()
}

func runBundleInspect(inputPath string) error {
	m, err := bundle.Inspect(inputPath)
	if err != nil {
		return fmt.Errorf("failed to inspect bundle: %w", err)
	}

	fmt.Println("📦 Bundle Manifest")
	fmt.Println("==================")
	fmt.Printf("ID:           %s\n", m.ID)
	fmt.Printf("Signer:       %s\n", m.Signer)
	if m.Conversation != "" {
		fmt.Printf("Conversation: %s\n", m.Conversation)
	}
	fmt.Printf("Created:      %s\n", m.CreatedAt)
	fmt.Printf("Entries:      %d\n", m.EntryCount)
	fmt.Printf("Links:        %d\n", m.LinkCount)
	return nil
}
