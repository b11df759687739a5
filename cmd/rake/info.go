package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/rake/gpu"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print device and backend diagnostics",
	Long: `Probes the default GPU adapter and prints its capabilities as JSON,
including limits and recommended transform sizing. When no adapter is
present, lists the registered compute backends instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := gpu.DetectJSON()
		if err != nil {
			fmt.Printf("gpu probe failed: %v\n\nregistered backends:\n", err)
			for _, name := range gpu.Names() {
				b, _ := gpu.Lookup(name)
				state := "unavailable"
				if b.Available() {
					state = "available"
				}
				fmt.Printf("  %-8s %s\n", name, state)
			}
			return nil
		}
		fmt.Println(report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
