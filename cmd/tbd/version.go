package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tbd version",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": Version})
			return
		}
		fmt.Printf("tbd version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
