package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Show the most recent metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			snap, err := client.snapshot(context.Background())
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}

			out, err := formatSnapshot(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format snapshot: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
