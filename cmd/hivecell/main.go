// hivecell manages the local chunk storage of a hiveflow node.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hiveflow/hiveflow/internal/cell"
	"github.com/hiveflow/hiveflow/internal/config"
	"github.com/hiveflow/hiveflow/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	dataDir  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hivecell",
		Short: "hivecell - content-addressed chunk storage for hiveflow nodes",
		Long: `hivecell stores files as BLAKE3-addressed chunks, deduplicated across
every file on the node, and keeps a per-file manifest for reconstruction.

Examples:
  # Store a file under an explicit ID
  hivecell put ./report.pdf --id report-2026 --tag team=ops

  # Reconstruct it
  hivecell get report-2026 -o report.pdf

  # Release it and reclaim orphaned chunks
  hivecell rm report-2026
  hivecell gc

  # Run the node with metrics and periodic GC
  hivecell serve -c hiveflow.yaml`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "storage base directory (overrides config)")

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newChunkCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newServeCmd())

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hivecell %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config when given, otherwise starts from defaults, then
// applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// An explicit --log-level wins over the config file.
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

// openCell loads configuration and opens the node's storage.
func openCell(ctx context.Context, cmd *cobra.Command) (*cell.Cell, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	c, err := openCellWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

func openCellWithConfig(ctx context.Context, cfg *config.Config) (*cell.Cell, error) {
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}

	c, err := cell.Open(ctx, cell.Config{
		BaseDir:           cfg.DataDir,
		ChunkSize:         chunkSize,
		MetadataCacheSize: cfg.MetadataCacheSize,
		IngestConcurrency: cfg.IngestConcurrency,
		Logger:            log.Logger,
		Metrics:           cell.InitMetrics(metrics.Registry),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.DataDir, err)
	}
	return c, nil
}

// parseTags converts key=value flag values into a tag map.
func parseTags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid tag %q: expected key=value", v)
		}
		tags[key] = value
	}
	return tags, nil
}
