package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// errWeightsRequired is returned when "links set-weights" is invoked
// without a comma-separated weight list.
var errWeightsRequired = errors.New("weights argument is required, e.g. 0.5,0.5")

func linksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect and tune bonded output links",
	}

	cmd.AddCommand(linksListCmd())
	cmd.AddCommand(linksSetWeightsCmd())

	return cmd
}

func linksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all bonded output links",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			links, err := client.listLinks(context.Background())
			if err != nil {
				return fmt.Errorf("list links: %w", err)
			}

			out, err := formatLinks(links, outputFormat)
			if err != nil {
				return fmt.Errorf("format links: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func linksSetWeightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-weights <w1,w2,...>",
		Short: "Override the current link weights, disabling auto-balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			weights, err := parseWeights(args[0])
			if err != nil {
				return fmt.Errorf("parse weights: %w", err)
			}

			if err := client.setWeights(context.Background(), weights); err != nil {
				return fmt.Errorf("set weights: %w", err)
			}

			fmt.Println("weights updated.")
			return nil
		},
	}
}

func parseWeights(s string) ([]float64, error) {
	if s == "" {
		return nil, errWeightsRequired
	}

	parts := strings.Split(s, ",")
	weights := make([]float64, len(parts))
	for i, p := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse weight %q: %w", p, err)
		}
		weights[i] = w
	}
	return weights, nil
}
