// go-micgrid: acoustic peak locator daemon
// Samples a 2x2 microphone grid, confirms sharp transients and reports
// where on the grid they came from.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-micgrid/internal/config"
)

var version = "0.1.0"

// options holds command line overrides
type options struct {
	configPath string
	debug      bool
	source     string
	wavPath    string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "go-micgrid",
		Short:         "Acoustic peak locator for a 2x2 microphone grid",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return run(cfg, opts.configPath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&opts.source, "source", "", "override source kind (usb, mock, wav)")
	rootCmd.Flags().StringVar(&opts.wavPath, "wav", "", "replay a WAV file instead of sampling hardware")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("go-micgrid %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", opts.configPath, err)
	}

	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if opts.source != "" {
		cfg.Source.Kind = opts.source
	}
	if opts.wavPath != "" {
		cfg.Source.Kind = "wav"
		cfg.Source.WAVPath = opts.wavPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, source string) {
	fmt.Println()
	fmt.Println("🎙  go-micgrid v" + version)
	fmt.Println("   Acoustic peak locator")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d (source: %s)\n", cfg.Server.Port, source)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health             - Health check")
	fmt.Println("   GET  /api/readings       - Current channel readings")
	fmt.Println("   GET  /api/peaks          - Recent peak reports")
	fmt.Println("   GET  /api/peaks/latest   - Latest peak report")
	fmt.Println("   WS   /api/peaks/stream   - Real-time peak stream")
	fmt.Println("   POST /api/button         - Simulate a button press")
	fmt.Println("   GET  /api/stats          - Pipeline statistics")
	fmt.Println("   GET  /metrics            - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
