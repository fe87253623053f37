package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"printdesk/internal/config"
	"printdesk/internal/firmware"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logJSON    bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "printdesk",
	Short: "Slice models and drive a serial 3D printer",
	Long: `printdesk wraps an external slicer CLI and talks to a printer over a serial line.

Run "printdesk serve" for the HTTP control panel, or use the one-shot
commands below from a terminal or a script.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(cmd.ErrOrStderr(), verbose, logJSON)
		slog.SetDefault(logger)

		var err error

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		logger.Debug("Config loaded", "path", configPath)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "printdesk.toml", "config file, created with defaults when missing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(serveCmd, sliceCmd, detectCmd, profileCmd)
	rootCmd.AddCommand(portsCmd, filesCmd, printCmd, deleteCmd, sendCmd, streamCmd, tempCmd, posCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(w io.Writer, debug, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// loadDialect prefers a custom dialect file over the named built-in one
func loadDialect(c *config.Config) (*firmware.Dialect, error) {
	if c.Serial.DialectFile != "" {
		d, err := firmware.LoadFile(c.Serial.DialectFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load dialect file: %w", err)
		}

		return d, nil
	}

	return firmware.Load(c.Serial.Dialect)
}
