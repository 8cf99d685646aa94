package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/rist-bonding/dispatcherd/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ristdispatchctl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("ristdispatchctl %s\n", appversion.Version)
			fmt.Printf("  commit:  %s\n", appversion.GitCommit)
			fmt.Printf("  built:   %s\n", appversion.BuildDate)
		},
	}
}
