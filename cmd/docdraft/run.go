package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docdraft/internal/orchestrator"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/state"
)

var (
	runOwner        string
	runFile         string
	runText         string
	runQuery        string
	runInstructions string
	runCase         string
	runFileIDs      []string
	runTopK         int
	runStageName    string
	runJSON         bool
	runShowTrace    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a drafting run through the configured agents",
	Long: `Runs ingestion, retrieval, drafting, critique and assembly until a final
document is produced or a stage fails. Supply a file with --file or text with
--text. --stage limits the run to ingestion or retrieval.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOwner, "owner", "", "owner id (required)")
	f.StringVar(&runFile, "file", "", "document to ingest")
	f.StringVar(&runText, "text", "", "raw text to draft from instead of a file")
	f.StringVarP(&runQuery, "query", "q", "", "retrieval query")
	f.StringVar(&runInstructions, "instructions", "", "drafting instructions")
	f.StringVar(&runCase, "case", "", "limit retrieval to the case's folder")
	f.StringSliceVar(&runFileIDs, "file-id", nil, "limit retrieval to these document ids (repeatable)")
	f.IntVarP(&runTopK, "top-k", "n", 0, "retrieval result count (0 uses the default)")
	f.StringVar(&runStageName, "stage", "", "run a single stage: ingestion or retrieval")
	f.BoolVar(&runJSON, "json", false, "output the full result as JSON")
	f.BoolVar(&runShowTrace, "trace", false, "print the agent task trace")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req := orchestrator.Request{
		RawText:      runText,
		OwnerID:      runOwner,
		Query:        runQuery,
		Instructions: runInstructions,
		CaseID:       runCase,
		TopK:         runTopK,
	}
	if cmd.Flags().Changed("file-id") {
		ids := runFileIDs
		req.AllowedFileIDs = &ids
	}
	if runFile != "" {
		if !parser.IsSupportedExtension(runFile) {
			return fmt.Errorf("unsupported file type: %s", filepath.Ext(runFile))
		}
		data, err := os.ReadFile(runFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", runFile, err)
		}
		req.Data = data
		req.Filename = filepath.Base(runFile)
		req.MimeType = parser.MimeForFile(runFile)
	}

	var stage state.Stage
	if runStageName != "" {
		var err error
		if stage, err = state.ParseStage(runStageName); err != nil {
			return err
		}
		if stage != state.StageIngestion && stage != state.StageRetrieval {
			return fmt.Errorf("stage %q cannot run on its own", runStageName)
		}
	} else if len(req.Data) == 0 && req.RawText == "" {
		return errors.New("--file or --text is required")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.orch == nil {
		return errors.New("agents not configured: set DRAFTER_URL, CRITIC_URL and ASSEMBLER_URL")
	}

	switch stage {
	case state.StageIngestion:
		sr, err := a.orch.RunIngestion(ctx, req)
		return printJSON(cmd, sr, err)
	case state.StageRetrieval:
		sr, err := a.orch.RunRetrieval(ctx, req)
		return printJSON(cmd, sr, err)
	}

	res, err := a.orch.Run(ctx, req)
	if runJSON {
		return printJSON(cmd, res, err)
	}
	if runShowTrace {
		for i, t := range res.Trace {
			cmd.PrintErrf("%2d. %s -> %s: %s %s\n", i+1, t.From, t.To, t.TaskDescription, t.PayloadSummary)
		}
	}
	if err != nil {
		return err
	}
	cmd.Println(res.FinalDocument)
	return nil
}

func printJSON(cmd *cobra.Command, v any, runErr error) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	cmd.Println(string(data))
	return runErr
}
