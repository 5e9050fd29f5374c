package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cedadev/nlds/internal/cli/output"
	"github.com/cedadev/nlds/pkg/config"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the deployment's workers",
	Long: `Probe every worker queue for liveness through the orchestrator and
print the answers.

The probe reaches each worker over the message bus, so "alive" means the
worker is connected to the broker and consuming its queue.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 60*time.Second, "Overall probe timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	bus, err := rabbit.Dial(cfg.Rabbit)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	key := message.BuildKey(message.RootKey, message.KeyRoute, message.ActionSystemStat)
	reply, err := bus.Call(ctx, key, m, statusTimeout)
	if err != nil {
		return fmt.Errorf("status probe failed (is the router running?): %w", err)
	}
	if reply.Details.Failure != "" {
		return fmt.Errorf("status probe failed: %s", reply.Details.Failure)
	}

	var status map[string]string
	if err := json.Unmarshal(reply.Data.Records, &status); err != nil {
		return fmt.Errorf("malformed status reply: %w", err)
	}

	workers := make([]string, 0, len(status))
	for worker := range status {
		workers = append(workers, worker)
	}
	sort.Strings(workers)

	rows := make([][]string, 0, len(workers))
	for _, worker := range workers {
		rows = append(rows, []string{worker, status[worker]})
	}
	output.PrintTable(os.Stdout, []string{"worker", "status"}, rows)
	return nil
}
