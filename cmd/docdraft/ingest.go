package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
)

var (
	ingestOwner  string
	ingestFolder string
	ingestTitle  string
	ingestJSON   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a document synchronously",
	Long: `Extracts, chunks and embeds a single file and stores it under the owner.
Re-ingesting identical bytes for the same owner reuses the stored result.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owner id (required)")
	ingestCmd.Flags().StringVar(&ingestFolder, "folder", "", "folder path to file the document under")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output the result as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ownerID, err := retrieval.ParseOwnerID(ingestOwner)
	if err != nil {
		return err
	}
	path := args[0]
	if !parser.IsSupportedExtension(path) {
		return fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	in := pipeline.Input{
		Data:     data,
		Filename: filepath.Base(path),
		MimeType: parser.MimeForFile(path),
		OwnerID:  ownerID,
		Title:    ingestTitle,
	}
	if ingestFolder != "" {
		f, err := a.store.EnsureFolder(ctx, ownerID, ingestFolder)
		if err != nil {
			return err
		}
		in.FolderID = f.ID
	}

	res := a.pipeline.Run(ctx, in)
	if res.Error != nil {
		return fmt.Errorf("ingest failed: %w", res.Error)
	}

	if ingestJSON {
		data, err := json.MarshalIndent(map[string]any{
			"file_id":      res.FileID,
			"chunks":       len(res.Chunks),
			"characters":   len([]rune(res.RawText)),
			"deduplicated": res.Deduplicated,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("Document: %s\n", res.FileID)
	cmd.Printf("Chunks:   %d\n", len(res.Chunks))
	if res.Deduplicated {
		cmd.Println("Identical content was already ingested; reused the stored chunks.")
	}
	return nil
}
