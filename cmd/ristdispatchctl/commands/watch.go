package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll link state until interrupted (Ctrl+C)",
		Long:  "Polls the control API's link list on a fixed interval and prints each snapshot, since the control API has no streaming endpoint to subscribe to.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				links, err := client.listLinks(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return fmt.Errorf("list links: %w", err)
				}

				out, err := formatLinks(links, outputFormat)
				if err != nil {
					return fmt.Errorf("format links: %w", err)
				}
				fmt.Printf("--- %s ---\n%s", time.Now().Format(time.RFC3339), out)

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")

	return cmd
}
