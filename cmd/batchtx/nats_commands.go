package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/batchtx/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// watchCommand streams the result events of a batch.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream result events for a batch from NATS JetStream",
		ArgsUsage: "BATCH_ID",
		Description: `Replays and follows the events published to batches.{batch_id}, one per
operation. Stops after --count events, after --timeout, or on Ctrl+C.

Example:
  batchtx watch payroll-2026-01 --count 120 --jq 'select(.success | not) | .operation_id'`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Stop after this many events (0 follows until interrupted)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Stop after this long (0 means no timeout)",
			},
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("batch id is required")
			}
			batchID := c.Args().Get(0)
			logger := setupLogger(c.String("log-level"))

			// Validate the filter before connecting.
			if _, err := compileJQ(c.String("jq")); err != nil {
				return err
			}

			nc, err := natspkg.Connect(c.String("nats-url"), "batchtx-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", natspkg.Subject(batchID))

			var renderErr error
			n, err := natspkg.Watch(ctx, js, batchID, c.Int("count"), logger, func(event *natspkg.ResultEvent) {
				if renderErr != nil {
					return
				}
				renderErr = renderEvent(c, event)
			})
			if renderErr != nil {
				return renderErr
			}
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			fmt.Fprintf(os.Stderr, "Received %d events\n", n)
			return nil
		},
	}
}

func renderEvent(c *cli.Context, event *natspkg.ResultEvent) error {
	code, err := compileJQ(c.String("jq"))
	if err != nil {
		return err
	}
	switch {
	case code != nil:
		return printJQ(c.App.Writer, code, event)
	case c.Bool("json"):
		return printJSON(c.App.Writer, event)
	}
	printEvent(c.App.Writer, event)
	return nil
}

func printEvent(w io.Writer, event *natspkg.ResultEvent) {
	status := "✓"
	detail := event.Signature
	if !event.Success {
		status = "✗"
		detail = fmt.Sprintf("[%s] %s", event.Code, event.Error)
	}
	fmt.Fprintf(w, "%s %s #%d %s (%s, attempts=%d) %s\n",
		event.PublishedAt.Format(time.RFC3339),
		status,
		event.Position,
		event.OperationID,
		event.Type,
		event.Attempts,
		detail,
	)
}
