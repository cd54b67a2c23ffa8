package main

import (
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/orchestrator"
	"LendLedger/internal/server"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// errNotAdmitted exits with status 2 after the outcome has been printed.
var errNotAdmitted = errors.New("transaction not admitted")

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: lendctl <command> [flags]

Transactions:
  supply           -amount USD
  deposit          -token SYM -amount N -value USD -class A|B
  borrow           -position ID -amount USD -duration 90d -installments N
  repay            -position ID -amount USD
  withdraw         -position ID -amount N
  mark-missed      -position ID
  mark-default     -position ID
  liquidate        -position ID
  settle-yield     -position ID
  settle-purchase  -position ID -amount USD [-liquidator ADDR]

Queries:
  position         -position ID
  receipt          -tx HASH
  pool

Every command accepts -sender (default $LEND_SENDER) and -addr (default $LEND_LEDGER_ADDR).`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:])
	if errors.Is(err, errNotAdmitted) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, args []string) error {
	cfg := config.LoadClient()

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&cfg.Sender, "sender", cfg.Sender, "sender address")
	fs.StringVar(&cfg.LedgerAddr, "addr", cfg.LedgerAddr, "ledger gRPC address")

	switch name {
	case "position", "receipt", "pool":
		return runQuery(ctx, cfg, fs, name, args)
	case "help", "-h", "--help":
		usage()
		return nil
	}

	build, ok := builders[name]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", name)
	}
	opFn := build(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Sender == "" {
		return fmt.Errorf("-sender or LEND_SENDER is required")
	}

	ledger, err := server.Dial(cfg.LedgerAddr)
	if err != nil {
		return err
	}
	defer ledger.Close()

	op, err := opFn(ctx, ledger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(ledger, cfg.Orchestrator, nil)
	res, err := orch.Submit(ctx, cfg.Sender, op)
	if err != nil {
		return err
	}
	if err := printJSON(submitOutput(res)); err != nil {
		return err
	}
	if res.Outcome != orchestrator.OutcomeAdmitted {
		return errNotAdmitted
	}
	return nil
}

func runQuery(ctx context.Context, cfg config.ClientConfig, fs *flag.FlagSet, name string, args []string) error {
	positionID := fs.Uint64("position", 0, "position id")
	txHash := fs.String("tx", "", "transaction hash")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ledger, err := server.Dial(cfg.LedgerAddr)
	if err != nil {
		return err
	}
	defer ledger.Close()

	switch name {
	case "position":
		if *positionID == 0 {
			return fmt.Errorf("-position is required")
		}
		view, err := ledger.GetPosition(ctx, *positionID)
		if err != nil {
			return err
		}
		return printJSON(view)
	case "receipt":
		if *txHash == "" {
			return fmt.Errorf("-tx is required")
		}
		receipt, err := ledger.Receipt(ctx, *txHash)
		if err != nil {
			return err
		}
		return printJSON(receipt)
	default:
		stats, err := ledger.PoolStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}
}

type output struct {
	Outcome      string          `json:"outcome"`
	SubmissionID string          `json:"submission_id"`
	TxHash       string          `json:"tx_hash,omitempty"`
	Attempts     int             `json:"attempts"`
	Rejection    *core.Rejection `json:"rejection,omitempty"`
	Receipt      *core.Receipt   `json:"receipt,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func submitOutput(res orchestrator.Result) output {
	out := output{
		Outcome:      res.Outcome.String(),
		SubmissionID: res.SubmissionID.String(),
		TxHash:       res.TxHash,
		Attempts:     res.Attempts,
		Rejection:    res.Rejection,
		Receipt:      res.Receipt,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
