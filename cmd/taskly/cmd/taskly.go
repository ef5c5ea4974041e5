package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskly/internal/config"
	"taskly/internal/credentials"
	"taskly/internal/notification"
	"taskly/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds per-invocation settings and the seams tests replace.
type Config struct {
	NoPrompt     bool
	Verbose      bool
	OutputFormat string
	ConfigPath   string // Path to config file (for testing)
	DBPath       string // Path to replica database (for testing)
	CachePath    string // Path to response cache database (for testing)

	// Transport carries the worker's network requests. nil means http.DefaultTransport.
	Transport http.RoundTripper
	// Keyring replaces the system keyring.
	Keyring credentials.Keyring
	// Getenv replaces os.Getenv for credential lookup.
	Getenv func(string) string
	// Notifier replaces the notification manager built from the config file.
	Notifier notification.Notifier
	// Stdin is read by confirmation and token prompts. nil means os.Stdin.
	Stdin io.Reader
	// Now stamps syncs and exports. nil means time.Now.
	Now func() time.Time
}

// actionResponse is the JSON answer of a command that changed something.
type actionResponse struct {
	Action string      `json:"action"`
	Task   interface{} `json:"task,omitempty"`
	Result string      `json:"result"`
}

// errorResponse is the JSON answer of a failed command.
type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
	Result     string `json:"result"`
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewTaskly(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewTaskly creates the root command with injectable IO
func NewTaskly(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "taskly",
		Short:   "Offline-first task list client",
		Long:    "taskly keeps a local replica of your task list, caches the app through an intercepting worker and keeps working when the API is unreachable.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
				cfg.NoPrompt = true
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.Verbose = true
			}
			utils.SetVerboseMode(cfg.Verbose)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to the config file")
	cmd.PersistentFlags().Bool("offline", false, "Treat the API as unreachable for this run")

	cmd.AddCommand(newTasksCmd(stdout, cfg))
	cmd.AddCommand(newCacheCmd(stdout, cfg))
	cmd.AddCommand(newNotifyCmd(stdout, cfg))
	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newServeCmd(stdout, cfg))
	cmd.AddCommand(newTUICmd(stdout, cfg))
	cmd.AddCommand(newConfigCmd(stdout, cfg))
	cmd.AddCommand(newCredentialsCmd(stdout, stderr, cfg))

	cmd.SetIn(stdin(cfg))
	return cmd
}

func stdin(cfg *Config) io.Reader {
	if cfg.Stdin != nil {
		return cfg.Stdin
	}
	return os.Stdin
}

func now(cfg *Config) time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

// writeJSON prints v on one line.
func writeJSON(stdout io.Writer, v interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
	return nil
}

// resultCode emits the trailing result code in no-prompt mode.
func resultCode(stdout io.Writer, cfg *Config, code string) {
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, code)
	}
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	}
	var withSuggestion *utils.ErrorWithSuggestion
	if errors.As(err, &withSuggestion) {
		response.Error = withSuggestion.Err.Error()
		response.Suggestion = withSuggestion.GetSuggestion()
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}

// newConfigCmd creates the 'config' subcommand
func newConfigCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.ConfigPath
			if flagPath, _ := cmd.Flags().GetString("config"); flagPath != "" {
				path = flagPath
			}
			if path == "" {
				path = config.DefaultPath()
			}
			_, _ = fmt.Fprintln(stdout, path)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a commented sample configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprint(stdout, config.GetSampleConfig())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, cfg)
			if err != nil {
				return err
			}
			if c.OutputFormat == "json" {
				return writeJSON(stdout, c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(stdout, string(out))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one configuration value, e.g. api.base_url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, cfg)
			if err != nil {
				return err
			}
			value, err := c.Lookup(args[0])
			if err != nil {
				return err
			}
			if c.OutputFormat == "json" {
				return writeJSON(stdout, map[string]interface{}{"key": args[0], "value": value})
			}
			_, _ = fmt.Fprintln(stdout, value)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return configCmd
}

// newCredentialsCmd creates the 'credentials' subcommand for the API token
func newCredentialsCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the API token",
		Long:  "Store, retrieve and delete the task API token in the system keyring.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	user := func(args []string) string {
		if len(args) > 0 {
			return args[0]
		}
		return credentials.DefaultUser
	}

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "set [username]",
		Short: "Store the API token in the system keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := credentials.NewCLIHandler(newCredentialManager(cfg), stdin(cfg), stdout, stderr)
			return handler.Set(cmd.Context(), user(args))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "get [username]",
		Short: "Show where the API token comes from",
		Long:  "Look the token up in the keyring, then in TASKLY_API_TOKEN, and report the source.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			handler := credentials.NewCLIHandler(newCredentialManager(cfg), nil, stdout, stderr)
			return handler.Get(cmd.Context(), user(args), jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	credentialsCmd.AddCommand(&cobra.Command{
		Use:   "delete [username]",
		Short: "Remove the API token from the system keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := credentials.NewCLIHandler(newCredentialManager(cfg), nil, stdout, stderr)
			return handler.Delete(cmd.Context(), user(args))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return credentialsCmd
}
