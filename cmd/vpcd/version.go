package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.buildDate=... -X main.gitRevision=..."
var version, buildDate, gitRevision = "dev", "unknown", "unknown"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vpcd version",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Build Version:", version)
			fmt.Fprintln(out, "Build date:   ", buildDate)
			fmt.Fprintln(out, "Git commit:   ", gitRevision)
		},
	}
}
