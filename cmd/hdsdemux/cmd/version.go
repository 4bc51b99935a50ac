package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wiseplay-app/hdsdemux/internal/version"
)

var versionFull bool

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if versionFull {
			fmt.Println(version.Full())
			return
		}
		fmt.Println(version.Short())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "include commit and build metadata")
	rootCmd.AddCommand(versionCmd)
}
