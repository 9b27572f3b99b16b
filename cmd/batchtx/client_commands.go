package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/batchtx/client"
	"github.com/urfave/cli/v2"
)

// submitCommand sends a batch document to the server.
func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a batch document to the batchtx server",
		ArgsUsage: "FILE (or - for stdin)",
		Description: `Without --async the server executes the batch before responding and the
results are printed. With --async the batch runs as a workflow; add --wait
to poll until it finishes.

Example:
  batchtx submit payroll.yaml --batch-id payroll-2026-01 --async --wait`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "batch-id",
				Usage: "Batch id (the server picks one when empty)",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Run the batch as a workflow and return immediately",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "With --async, poll until the batch finishes",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: 10 * time.Second,
				Usage: "Maximum interval between polls when waiting",
			},
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			doc, err := readDocumentArg(c)
			if err != nil {
				return err
			}
			cl := newClient(c)
			batchID := c.String("batch-id")

			if !c.Bool("async") {
				b, err := cl.Submit(c.Context, batchID, doc)
				if err != nil {
					return fmt.Errorf("failed to submit batch: %w", err)
				}
				return render(c, b, func(w io.Writer) { printBatch(w, b) })
			}

			started, err := cl.SubmitAsync(c.Context, batchID, doc)
			if err != nil {
				return fmt.Errorf("failed to start batch: %w", err)
			}
			if !c.Bool("wait") {
				return render(c, started, func(w io.Writer) {
					fmt.Fprintf(w, "Batch %s started (workflow %s)\n", started.BatchID, started.WorkflowID)
				})
			}

			fmt.Fprintf(os.Stderr, "Waiting for batch %s...\n", started.BatchID)
			b, err := cl.Await(c.Context, started.BatchID, c.Duration("poll-interval"))
			if err != nil {
				return fmt.Errorf("failed to await batch: %w", err)
			}
			return render(c, b, func(w io.Writer) { printBatch(w, b) })
		},
	}
}

// getCommand shows one batch.
func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the state and results of a batch",
		ArgsUsage: "BATCH_ID",
		Flags: []cli.Flag{
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("batch id is required")
			}
			b, err := newClient(c).Get(c.Context, c.Args().Get(0))
			if err != nil {
				return err
			}
			return render(c, b, func(w io.Writer) { printBatch(w, b) })
		},
	}
}

// listCommand lists recorded batches.
func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List recently recorded batches",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
				Usage:   "Maximum number of batches to show",
			},
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			batches, err := newClient(c).List(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			return render(c, batches, func(w io.Writer) {
				if len(batches) == 0 {
					fmt.Fprintln(w, "No batches recorded.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "BATCH\tOPERATIONS\tSUCCEEDED\tFAILED\tCREATED")
				for _, b := range batches {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", b.BatchID, b.Operations, b.Succeeded, b.Failed, b.CreatedAt.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
}

// healthCommand checks server health.
func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health status",
		Action: func(c *cli.Context) error {
			serverURL := strings.TrimRight(c.String("server-url"), "/")

			httpClient := &http.Client{Timeout: 10 * time.Second}
			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
			}

			fmt.Fprintf(c.App.Writer, "✓ Server is healthy (%s)\n", serverURL)
			return nil
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	serverURL := strings.TrimRight(c.String("server-url"), "/")
	return client.NewClient(serverURL, nil, setupLogger(c.String("log-level")))
}
