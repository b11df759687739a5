package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfluke/rake/config"
	"github.com/openfluke/rake/correlator"
	rakesignal "github.com/openfluke/rake/signal"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Correlate live audio against a reference m-sequence",
	Long: `Records one block of signed 32-bit samples per configured input signal
from an audio capture device and correlates them against the cyclic
shifts of the reference m-sequence. Play the sequence through a
speaker to see its echo ranked by shift (acoustic ranging demo).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := config.Get()
		if err != nil {
			return err
		}

		cfg := rakesignal.DefaultCaptureConfig()
		cfg.DeviceIndex, _ = cmd.Flags().GetInt("device")
		rate, _ := cmd.Flags().GetUint32("rate")
		cfg.SampleRate = rate

		rec := rakesignal.NewCapture(cfg)
		if err := rec.Init(); err != nil {
			return err
		}
		defer rec.Close()

		if list, _ := cmd.Flags().GetBool("list"); list {
			devices, err := rec.Devices()
			if err != nil {
				return err
			}
			for i, d := range devices {
				fmt.Printf("  %2d: %s\n", i, d.Name())
			}
			return nil
		}

		return captureAndCorrelate(cmd, params, rec)
	},
}

func init() {
	captureCmd.Flags().IntP("device", "d", -1, "capture device index (-1 for default)")
	captureCmd.Flags().Uint32("rate", 48000, "capture sample rate in Hz")
	captureCmd.Flags().Bool("list", false, "list capture devices and exit")

	rootCmd.AddCommand(captureCmd)
}

func captureAndCorrelate(cmd *cobra.Command, params config.Parameters, rec *rakesignal.Capture) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	total := params.NumSignals * params.SignalLen
	fmt.Printf("recording %d samples (%d blocks of %d)...\n", total, params.NumSignals, params.SignalLen)
	inputs, err := rec.Record(ctx, total)
	if err != nil {
		return err
	}

	c, err := correlator.New(params, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	reference := rakesignal.MSequence(1, params.SignalLen)
	if err := c.Run(reference, inputs); err != nil {
		return err
	}

	printPeaks(c.Peaks(), params)
	printTimings(c.Timings())
	return nil
}
