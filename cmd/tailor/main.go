// Package main provides the tailor CLI.
//
// Start the HTTP API:
//
//	tailor serve
//
// Tailor a document interactively from the terminal:
//
//	tailor chat --document resume.pdf --target job.txt
//
// Configuration is read from the environment; a .env file in the working
// directory is loaded first when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tailor",
		Short: "Tailor a resume to a job description with a tool-using model",
		Long: `tailor runs an agent that reads a source document and a target
description, researches keywords on the web and renders a tailored HTML
artifact.

The same agent is exposed over HTTP (JSON, SSE and WebSocket) by "serve"
and in the terminal by "chat".`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
	)
	return rootCmd
}
