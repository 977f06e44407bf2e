package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, overridden with -ldflags on release builds.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the tiller version",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(buildVersion)
				return
			}
			fmt.Printf("tiller %s (commit %s, built %s, %s, %s/%s)\n",
				buildVersion, buildCommit, buildDate,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "print the bare version number")
	return cmd
}
