package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/vultisig/autotransfer/internal/tasks"
)

// NewSweepCommand enqueues an immediate sweep for the scheduler process.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var requestedBy string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Request an immediate sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr(),
				Username: cfg.Redis.User,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			task, err := tasks.NewSweepNow(requestedBy, time.Now().UTC())
			if err != nil {
				return err
			}
			info, err := client.EnqueueContext(cmd.Context(), task, tasks.EnqueueOptions()...)
			if errors.Is(err, asynq.ErrDuplicateTask) {
				fmt.Fprintln(cmd.OutOrStdout(), "a sweep is already queued")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to enqueue sweep: %w", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"task_id": info.ID, "queue": info.Queue})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued sweep: id=%s queue=%s\n", info.ID, info.Queue)
			return nil
		},
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "schedctl"
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", user, "name recorded on the task")
	return cmd
}
