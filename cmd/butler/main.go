// Package main provides the CLI entry point for butler, an LLM task
// gateway that streams tool-calling conversations and guards database
// access with per-role SQL policies.
//
// # Basic Usage
//
// Start the gateway:
//
//	butler serve --config butler.yaml
//
// Chat with a running gateway:
//
//	butler chat --url http://localhost:8080
//
// Check whether a role may run a statement:
//
//	butler sql check --role analyst "SELECT email FROM users"
//
// # Environment Variables
//
//   - BUTLER_CONFIG: Path to configuration file (default: butler.yaml)
//   - BUTLER_URL: Gateway URL used by chat (default: http://localhost:8080)
//   - BUTLER_TOKEN: Bearer token used by chat
//   - BUTLER_API_KEY: API key used by chat
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "butler.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "butler",
		Short: "butler - LLM task gateway with guarded database tools",
		Long: `butler runs LLM tasks that call tools across rounds and streams every
step to the caller as newline-delimited JSON.

Supported LLM providers: OpenAI, Azure OpenAI, OpenRouter, Ollama, Anthropic
Supported databases: MySQL, PostgreSQL, SQLite`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSQLCmd(),
		buildSchemaCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to BUTLER_CONFIG and then butler.yaml.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("BUTLER_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
