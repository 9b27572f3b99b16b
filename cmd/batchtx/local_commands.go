package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/config"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/solana"
	"github.com/urfave/cli/v2"
)

// runCommand executes a batch document locally.
func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a batch document against the configured RPC endpoint",
		ArgsUsage: "FILE (or - for stdin)",
		Description: `Packs, signs and submits every operation in the document, then prints
one result per operation in document order.

Signer keys, the RPC endpoint and batch defaults are read from the environment
(SIGNER_KEYS, SOLANA_RPC_URL, BATCH_*). Options in the document override them.

Example:
  batchtx run payroll.yaml --jq '.results[] | select(.success | not)'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "batch-id",
				Usage: "Batch id used in logs (random when empty)",
			},
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			doc, err := readDocumentArg(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := setupLogger(c.String("log-level"))
			batcher, defaults, keyring, err := localBatcher(logger)
			if err != nil {
				return err
			}

			ops, opts, err := batch.ParseDocument(doc, keyring, defaults)
			if err != nil {
				return err
			}
			opts.BatchID = c.String("batch-id")

			plan, err := batcher.Create(ctx, ops, opts)
			if err != nil {
				return err
			}
			results, err := batcher.Submit(ctx, plan)
			if err != nil {
				return err
			}

			succeeded, failed := batch.Summary(results)
			out := runOutput{BatchID: plan.ID, Results: results, Succeeded: succeeded, Failed: failed}
			if err := render(c, out, func(w io.Writer) { printResults(w, out) }); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d operations failed", failed, len(results))
			}
			return nil
		},
	}
}

// planCommand packs and signs a batch without submitting it.
func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Show how a batch document would be packed into transactions",
		ArgsUsage: "FILE (or - for stdin)",
		Description: `Validates and packs the document exactly as run would, but submits nothing.
Operations rejected before submission are listed with their failure code.

Example:
  batchtx plan swaps.yaml --json`,
		Flags: []cli.Flag{
			jsonFlag(),
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			doc, err := readDocumentArg(c)
			if err != nil {
				return err
			}

			logger := setupLogger(c.String("log-level"))
			batcher, defaults, keyring, err := localBatcher(logger)
			if err != nil {
				return err
			}

			ops, opts, err := batch.ParseDocument(doc, keyring, defaults)
			if err != nil {
				return err
			}

			plan, err := batcher.Create(c.Context, ops, opts)
			if err != nil {
				return err
			}

			out := newPlanOutput(plan)
			return render(c, out, func(w io.Writer) { printPlan(w, out) })
		},
	}
}

// localBatcher wires a Batcher from environment configuration.
func localBatcher(logger *slog.Logger) (*batch.Batcher, batch.Options, batch.KeyResolver, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, batch.Options{}, nil, err
	}
	defaults, err := cfg.BatchOptions()
	if err != nil {
		return nil, batch.Options{}, nil, err
	}

	endpoint, err := solana.SelectRandomEndpoint(cfg.RPCEndpoints())
	if err != nil {
		return nil, batch.Options{}, nil, err
	}
	ledger := solana.NewClient(
		solana.NewRPCClient(endpoint),
		solana.EndpointLabel(endpoint),
		nil,
		logger,
		solana.WithCommitment(solana.ParseCommitment(cfg.SolanaCommitment)),
	)
	resolver := address.NewResolver(cfg.CurveProgramID, cfg.PoolProgramID)
	builder := instructions.NewBuilder(resolver, ledger, logger)

	return batch.NewBatcher(builder, resolver, ledger, cfg.Signers, nil, logger), defaults, cfg.Signers, nil
}

// readDocumentArg reads the batch document named by the first argument.
func readDocumentArg(c *cli.Context) ([]byte, error) {
	if c.NArg() != 1 {
		return nil, fmt.Errorf("batch document path is required")
	}
	path := c.Args().Get(0)
	if path == "-" {
		return io.ReadAll(c.App.Reader)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch document: %w", err)
	}
	return data, nil
}
