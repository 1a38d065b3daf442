package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usersvc/apiserver/config"
	"github.com/usersvc/apiserver/internal/events"
	"github.com/usersvc/apiserver/internal/mq"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect user change notifications",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print user events from the configured queue as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer queue.Close()

		eventTypes, _ := cmd.Flags().GetStringSlice("type")
		enc := json.NewEncoder(cmd.OutOrStdout())
		err = queue.Subscribe(ctx, cfg.MQ.Channel, func(ctx context.Context, msg mq.Message) error {
			event, err := events.Decode(msg)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping message %s: %v\n", msg.ID, err)
				return nil
			}
			return enc.Encode(event)
		}, eventTypes...)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsWatchCmd)

	eventsWatchCmd.Flags().StringSlice("type", nil, "only print these event types (user.created, user.updated)")
}
