package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfluke/rake/config"
)

var rootCmd = &cobra.Command{
	Use:   "rake",
	Short: "GPU-batched cyclic cross-correlation",
	Long: `rake correlates a batch of input signals against the cyclic shifts of a
reference signal using FFT-based convolution on the GPU, reporting peak
magnitudes and fine-grained device timings.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("backend", "b", "auto", "compute backend (auto, webgpu, cpu)")
	rootCmd.PersistentFlags().String("export-dir", "", "write per-step JSON results into this directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("export_dir", rootCmd.PersistentFlags().Lookup("export-dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig loads the configuration and wires the process-wide
// logger. Runs once, before any subcommand.
func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
