package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func replayCmd() *cobra.Command {
	var traders []string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild trader statuses from the postback audit log",
		Long: `Re-apply every audited postback of the given traders, oldest first.
Replaying is idempotent, so it is safe to run after a failed status write.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(traders) == 0 {
				return fmt.Errorf("at least one --trader is required")
			}
			return runReplay(cmd.Context(), traders)
		},
	}
	cmd.Flags().StringSliceVarP(&traders, "trader", "t", nil, "trader id to replay (repeatable)")
	return cmd
}

func runReplay(ctx context.Context, traders []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := *loader.Config()
	// Outcomes were already forwarded when the postbacks first arrived.
	cfg.Forward.Enabled = false

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eng, backend, err := buildEngine(ctx, &cfg)
	if err != nil {
		return err
	}
	defer backend.Close(context.Background())
	defer eng.Shutdown()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, id := range traders {
		st, n, err := eng.Replay(ctx, id)
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		if err := enc.Encode(map[string]interface{}{"trader_id": id, "events": n, "status": st}); err != nil {
			return err
		}
	}
	return nil
}
