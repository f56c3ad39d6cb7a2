package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/skywang16/orbitx/cmd.Version=v1.0.0"
var Version = "dev"

var (
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "orbitx",
	Short: "OrbitX — terminal workbench backend",
	Long:  "OrbitX backend: terminal multiplexer, shell integration, agent executor, checkpoint store and code vector index behind a single command surface.",
	Run: func(cmd *cobra.Command, args []string) {
		runBackend()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "app data directory (default: ~/.orbitx)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitx %s\n", Version)
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
