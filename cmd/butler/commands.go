package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the butler gateway",
		Long: `Start the butler gateway.

The server will:
1. Load configuration from the specified file (or butler.yaml)
2. Connect to the configured database, if any, and register the database tools
3. Initialize the LLM provider
4. Serve /ai/task, /ai/functionCallResult, /ai/generateText, /healthz and /metrics

With --watch, edits to the policy section are applied without a restart.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  butler serve

  # Start with custom config and live policy reload
  butler serve --config /etc/butler/production.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), serveOptions{debug: debug, watch: watch})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload policies when the config file changes")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway",
		Long: `Open an interactive session against a butler gateway.

Each line you type starts a task with the conversation so far as history.
Tool calls and their results are printed as they stream in. Type /reset to
clear the history and /exit to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", envOr("BUTLER_URL", "http://localhost:8080"), "Gateway base URL")
	cmd.Flags().StringVar(&opts.token, "token", envOr("BUTLER_TOKEN", ""), "Bearer token")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", envOr("BUTLER_API_KEY", ""), "API key")
	cmd.Flags().StringVar(&opts.system, "system", "", "System message sent ahead of the conversation")
	cmd.Flags().BoolVar(&opts.clock, "clock", true, "Offer a local current_time tool to the model")
	return cmd
}

// =============================================================================
// SQL Commands
// =============================================================================

func buildSQLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Inspect SQL policies",
	}
	cmd.AddCommand(buildSQLCheckCmd(), buildSQLTablesCmd())
	return cmd
}

func buildSQLCheckCmd() *cobra.Command {
	var (
		configPath string
		roles      []string
	)
	cmd := &cobra.Command{
		Use:   "check <statement>",
		Short: "Check whether roles may run a statement",
		Example: `  butler sql check --role analyst "SELECT email FROM users"
  butler sql check --role writer "UPDATE orders SET status = 'shipped' WHERE id = 1"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQLCheck(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), roles, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to check as (repeatable; default_role when omitted)")
	return cmd
}

func buildSQLTablesCmd() *cobra.Command {
	var (
		configPath string
		roles      []string
	)
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables roles may act on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQLTables(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), roles)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to list for (repeatable; default_role when omitted)")
	return cmd
}

// =============================================================================
// Schema Command
// =============================================================================

func buildSchemaCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "schema [table]",
		Short: "Show the live database schema",
		Long: `Without arguments, list the tables of the configured database. With a
table name, list its columns.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			return runSchema(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), table, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		opts       tokenOptions
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the gateway",
		Example: `  butler token --user u-123 --role analyst`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), resolveConfigPath(configPath), opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id (sub claim)")
	cmd.Flags().StringVar(&opts.email, "email", "", "User email")
	cmd.Flags().StringVar(&opts.name, "name", "", "User display name")
	cmd.Flags().StringSliceVar(&opts.roles, "role", nil, "Role claim (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(validate, schema)
	return cmd
}
