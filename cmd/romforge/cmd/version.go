package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X .../cmd.version=v1.2.3".
var version = "dev"

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the romforge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("romforge %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}

	rootCmd.AddCommand(versionCmd)
}
