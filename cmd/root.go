// cmd/root.go
package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/aceteam-ai/streamworker/internal/config"
	"github.com/aceteam-ai/streamworker/internal/logging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	backendFlag string
	domainFlag  string
	topicFlag   string
	logLevel    string
	debugMode   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamworker",
	Short: "Durable background job workers on Redis Streams or NATS JetStream",
	Long: `streamworker runs and operates background job workers.

Jobs are JSON documents appended to a durable stream. Workers in a shared
consumer group process them with bounded concurrency, retry failures with
category-specific backoff and move exhausted jobs to a dead-letter stream.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logLevel
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		if debugMode {
			level = "debug"
		}
		logging.Setup(os.Getenv("APP_ENV"), level)
		if noColor {
			color.NoColor = true
		}

		if debugMode {
			// Log the full command that was run
			fullCmd := "streamworker"
			if cmd.Name() != "streamworker" {
				fullCmd += " " + cmd.Name()
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				if f.Value.Type() == "bool" {
					fullCmd += " --" + f.Name
				} else {
					fullCmd += " --" + f.Name + "=" + f.Value.String()
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			slog.Debug("command", "line", fullCmd)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the persistent flags on top.
func loadConfig(service string) (*config.Config, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}
	if domainFlag != "" {
		cfg.Domain = domainFlag
	}
	if topicFlag != "" {
		cfg.Topic = topicFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cliLogger is the backend logger for one-shot commands: silent unless
// --debug is set, so command output stays readable.
func cliLogger() *slog.Logger {
	if debugMode {
		return slog.Default()
	}
	return logging.Discard()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Stream backend: redis or nats (or set BACKEND env)")
	rootCmd.PersistentFlags().StringVar(&domainFlag, "domain", "", "Worker domain (or set WORKER_DOMAIN env)")
	rootCmd.PersistentFlags().StringVar(&topicFlag, "topic", "", "Worker topic (or set WORKER_TOPIC env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (or set LOG_LEVEL env)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
}
