// Package main is the entry point for the parley CLI
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cloud-shuttle/parley/internal/config"
)

var (
	cfg    *config.Config
	logger *slog.Logger

	configPath string
	logFormat  string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Conversational assistant core with persistent sessions",
		Long: `Parley keeps multi-turn conversations with a remote language model.

Each session's history is stored on disk (JSON files or SQLite), replayed into
the prompt within a bounded window, and optionally augmented with passages
from a local knowledge base. Model calls are retried with exponential backoff.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			level, err := config.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			if verbose {
				level = slog.LevelDebug
			}
			logger, err = newLogger(os.Stderr, logFormat, level)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.json", "Config file (.json with comments, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "Log format: auto, text, or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		chatCmd(),
		sendCmd(),
		historyCmd(),
		clearCmd(),
		sessionsCmd(),
		deleteCmd(),
		kbCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// newLogger builds the process logger. "auto" picks text on a terminal and
// JSON otherwise.
func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want auto, text, or json)", format)
}
