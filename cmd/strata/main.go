package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"strata/pkg/config"
	"strata/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool

	version = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Chunk storage engine for distributed file system data nodes",
		Long: `strata is the per-node storage engine of a distributed file system's
data node: it owns the on-disk chunk files across the configured
directories, mediates all chunk I/O, and manages chunk and directory
lifecycle including evacuation and failure handling.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		nodeCmd(),
		fsckCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func nodeCmd() *cobra.Command {
	var chunkDirs []string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the data node storage engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(chunkDirs)
			if err != nil {
				return err
			}

			n := node.New(cfg, nil, logger)
			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", zap.String("signal", sig.String()))

			n.Stop()
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&chunkDirs, "dir", "d", nil, "chunk directory (repeatable)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strata %s\n", version)
		},
	}
}

func loadConfig(chunkDirs []string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil && len(chunkDirs) == 0 {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if len(chunkDirs) > 0 {
		if cfg == nil {
			cfg = config.Default()
		}
		cfg.ChunkDirs = chunkDirs
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
