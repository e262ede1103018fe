package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docdraft/internal/retrieval"
)

var (
	retrieveOwner string
	retrieveCase  string
	retrieveFiles []string
	retrieveTopK  int
	retrieveJSON  bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Search an owner's documents",
	Long: `Embeds the query and returns the nearest chunks among the owner's
documents, optionally limited to a case folder or explicit file ids.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

func init() {
	retrieveCmd.Flags().StringVar(&retrieveOwner, "owner", "", "owner id (required)")
	retrieveCmd.Flags().StringVar(&retrieveCase, "case", "", "limit to documents in the case's folder")
	retrieveCmd.Flags().StringSliceVar(&retrieveFiles, "file-id", nil, "limit to these document ids (repeatable)")
	retrieveCmd.Flags().IntVarP(&retrieveTopK, "top-k", "n", retrieval.DefaultTopK, "maximum number of results")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(retrieveCmd)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	req := retrieval.Request{
		Query:   args[0],
		OwnerID: retrieveOwner,
		CaseID:  retrieveCase,
		TopK:    retrieveTopK,
	}
	if cmd.Flags().Changed("file-id") {
		ids := retrieveFiles
		req.AllowedFileIDs = &ids
	}

	res := a.librarian.Retrieve(ctx, req)
	if res.Error != nil {
		return fmt.Errorf("retrieve failed: %w", res.Error)
	}

	if retrieveJSON {
		data, err := json.MarshalIndent(res.Hits, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(res.Hits) == 0 {
		cmd.Println("No results found.")
		return nil
	}
	for i, h := range res.Hits {
		where := h.FileID
		if h.PageStart != nil {
			where = fmt.Sprintf("%s p.%d", where, *h.PageStart)
		}
		cmd.Printf("[%d] %s (%.3f)\n", i+1, where, h.Similarity)
		if h.Heading != "" {
			cmd.Printf("    %s\n", h.Heading)
		}
		cmd.Printf("    %s\n\n", snippet(h.Content, 200))
	}
	return nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
