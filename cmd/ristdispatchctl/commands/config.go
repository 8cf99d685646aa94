package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Adjust dispatcher tuning properties at runtime",
	}

	cmd.AddCommand(configSetCmd())

	return cmd
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <property> <value>",
		Short: "Set one tuning property (e.g. strategy, scheduler, probe-ratio)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			property, rawValue := args[0], args[1]

			if err := client.setConfig(context.Background(), property, toJSONValue(rawValue)); err != nil {
				return fmt.Errorf("set config %s: %w", property, err)
			}

			fmt.Printf("%s set to %s.\n", property, rawValue)
			return nil
		},
	}
}

// toJSONValue passes a CLI argument through as-is when it already parses as
// valid JSON (true, 42, 0.5, "quoted"), and quotes it as a JSON string
// otherwise, so "ristdispatchctl config set strategy aimd" works without
// the user needing to quote a bare string themselves.
func toJSONValue(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
