package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/queue"
)

var deadletterFlags struct {
	format  string
	pending bool
	all     bool
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and replay failed alert deliveries",
	Long: `Inspect and replay entries of the delivery queue.

Entries that exhausted their retries are kept in the dead-letter file of the
queue directory. Run these commands while the service is stopped: the
running service owns the queue files.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered entries",
	Long: `List dead-lettered entries of the delivery queue.

Examples:
  # List dead entries
  costguard deadletter list

  # Include entries still waiting for a retry, as JSON
  costguard deadletter list --pending --format json`,
	Args: cobra.NoArgs,
	RunE: listDeadLetters,
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue [id...]",
	Short: "Move dead-lettered entries back to the pending queue",
	Long: `Move dead-lettered entries back to the pending queue with a fresh retry
budget. The service delivers them on its next processing pass.

Examples:
  # Requeue two entries
  costguard deadletter requeue 0b6f... 9c21...

  # Requeue everything
  costguard deadletter requeue --all`,
	RunE: requeueDeadLetters,
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd, deadletterRequeueCmd)

	deadletterListCmd.Flags().StringVar(&deadletterFlags.format, "format", "text", "output format: text, json, csv")
	deadletterListCmd.Flags().BoolVar(&deadletterFlags.pending, "pending", false, "include entries waiting for a retry")
	deadletterRequeueCmd.Flags().BoolVar(&deadletterFlags.all, "all", false, "requeue every dead entry")
}

// errOffline rejects deliveries from the CLI; the queue is only opened to
// read and rewrite its files.
var errOffline = errors.New("delivery is not available from the command line")

func openQueue() (*queue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	q, err := queue.New(cfg.Queue.Build(), queue.DelivererFunc(func(context.Context, queue.Entry) error {
		return errOffline
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, nil
}

func listDeadLetters(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(deadletterFlags.format)
	if err != nil {
		return err
	}
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.Dead()
	if err != nil {
		return cli.NewCommandError("deadletter list", err)
	}
	if deadletterFlags.pending {
		entries = append(entries, q.Pending()...)
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatText && len(entries) == 0 {
		fmt.Fprintln(out, "No entries")
		return nil
	}

	table := cli.Table{
		Headers: []string{"ID", "KIND", "STATE", "RETRIES", "QUEUED", "LAST ERROR"},
		Data:    entries,
	}
	for _, e := range entries {
		state := "pending"
		if e.Dead {
			state = "dead"
		}
		table.Rows = append(table.Rows, []string{
			e.ID,
			e.Kind,
			state,
			strconv.Itoa(e.RetryCount),
			e.QueuedAt.UTC().Format(time.RFC3339),
			e.LastError,
		})
	}
	return cli.NewFormatter(format).FormatTo(out, table)
}

func requeueDeadLetters(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !deadletterFlags.all {
		return errors.New("name entry ids or pass --all")
	}
	if len(args) > 0 && deadletterFlags.all {
		return errors.New("entry ids and --all are mutually exclusive")
	}
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.Requeue(args...)
	if err != nil {
		return cli.NewCommandError("deadletter requeue", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Requeued %d entries\n", n)
	return nil
}
