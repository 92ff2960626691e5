package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/snapshot"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		features := core.CPUFeatures()
		if len(features) == 0 {
			features = []string{"none"}
		}
		fmt.Fprintf(out, "recall %s\n", Version)
		fmt.Fprintf(out, "go:               %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "snapshot format:  %d\n", snapshot.FormatVersion)
		fmt.Fprintf(out, "cpu features:     %s\n", strings.Join(features, ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
