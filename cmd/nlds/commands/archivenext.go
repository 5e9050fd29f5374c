package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cedadev/nlds/pkg/config"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

var archiveNextCmd = &cobra.Command{
	Use:   "archive-next",
	Short: "Kick the tape aggregation scan",
	Long: `Publish the tick that starts one tape aggregation pass.

The catalog picks the oldest holding with files not yet on tape, packs
them into aggregates and hands the aggregates to the archive-put worker.
Run this from cron on whatever cadence the tape system should see new
aggregates.`,
	RunE: runArchiveNext,
}

func runArchiveNext(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	bus, err := rabbit.Dial(cfg.Rabbit)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	key := message.BuildKey(message.RootKey, message.KeyRoute, message.ActionArchivePut)
	if err := bus.Publish(ctx, key, m); err != nil {
		return fmt.Errorf("failed to publish aggregation tick: %w", err)
	}

	fmt.Printf("Aggregation scan started (transaction %s)\n", m.Details.TransactionID)
	return nil
}
