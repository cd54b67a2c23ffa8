package main

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// positionReader resolves the current plan for mark-missed.
type positionReader interface {
	GetPosition(ctx context.Context, positionID uint64) (*core.PositionView, error)
}

// opBuilder registers a command's flags and returns the function that turns
// the parsed flags into an operation.
type opBuilder func(fs *flag.FlagSet) func(ctx context.Context, ledger positionReader) (core.Operation, error)

var builders = map[string]opBuilder{
	"supply": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		amount := fs.String("amount", "", "liquidity to supply, USD")
		return func(context.Context, positionReader) (core.Operation, error) {
			v, err := usdFlag("amount", *amount)
			if err != nil {
				return nil, err
			}
			return &core.SupplyLiquidity{Amount: v}, nil
		}
	},

	"deposit": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		token := fs.String("token", "", "collateral token symbol")
		amount := fs.Int64("amount", 0, "token amount in base units")
		value := fs.String("value", "", "collateral valuation, USD")
		class := fs.String("class", "", "token class: A (yield-bearing) or B")
		return func(context.Context, positionReader) (core.Operation, error) {
			if *token == "" {
				return nil, errors.New("-token is required")
			}
			v, err := usdFlag("value", *value)
			if err != nil {
				return nil, err
			}
			tt, err := event.ParseTokenType(strings.TrimSpace(*class))
			if err != nil {
				return nil, err
			}
			return &core.DepositCollateral{Token: *token, Amount: *amount, ValueUSD: v, TokenType: tt}, nil
		}
	},

	"borrow": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		amount := fs.String("amount", "", "amount to borrow, USD")
		duration := fs.String("duration", "", "loan duration, e.g. 90d or 720h")
		installments := fs.Int("installments", 0, "number of installments")
		return func(context.Context, positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			v, err := usdFlag("amount", *amount)
			if err != nil {
				return nil, err
			}
			d, err := parseDuration(*duration)
			if err != nil {
				return nil, err
			}
			return &core.Borrow{PositionID: *id, Amount: v, Duration: d, Installments: int32(*installments)}, nil
		}
	},

	"repay": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		amount := fs.String("amount", "", "amount to repay, USD")
		return func(context.Context, positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			v, err := usdFlag("amount", *amount)
			if err != nil {
				return nil, err
			}
			return &core.Repay{PositionID: *id, Amount: v}, nil
		}
	},

	"withdraw": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		amount := fs.Int64("amount", 0, "token amount in base units")
		return func(context.Context, positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			return &core.Withdraw{PositionID: *id, Amount: *amount}, nil
		}
	},

	"mark-missed": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		return func(ctx context.Context, ledger positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			view, err := ledger.GetPosition(ctx, *id)
			if err != nil {
				return nil, err
			}
			if view.Plan == nil || !view.Plan.IsActive {
				return nil, fmt.Errorf("position %d has no active repayment plan", *id)
			}
			return &core.MarkMissedPayment{PositionID: *id, DueAt: view.Plan.NextPaymentDue}, nil
		}
	},

	"mark-default": positionOnly(func(id uint64) core.Operation { return &core.MarkDefaulted{PositionID: id} }),
	"liquidate":    positionOnly(func(id uint64) core.Operation { return &core.Liquidate{PositionID: id} }),
	"settle-yield": positionOnly(func(id uint64) core.Operation { return &core.SettleLiquidationByYield{PositionID: id} }),

	"settle-purchase": func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		amount := fs.String("amount", "", "purchase amount, USD")
		liquidator := fs.String("liquidator", "", "address receiving the collateral")
		return func(context.Context, positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			v, err := usdFlag("amount", *amount)
			if err != nil {
				return nil, err
			}
			return &core.SettleLiquidationByPurchase{PositionID: *id, PurchaseAmount: v, Liquidator: *liquidator}, nil
		}
	},
}

func positionOnly(build func(uint64) core.Operation) opBuilder {
	return func(fs *flag.FlagSet) func(context.Context, positionReader) (core.Operation, error) {
		id := fs.Uint64("position", 0, "position id")
		return func(context.Context, positionReader) (core.Operation, error) {
			if err := requirePosition(*id); err != nil {
				return nil, err
			}
			return build(*id), nil
		}
	}
}

func requirePosition(id uint64) error {
	if id == 0 {
		return errors.New("-position is required")
	}
	return nil
}

func usdFlag(name, v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("-%s is required", name)
	}
	amount, err := fpmath.ParseUSD(v)
	if err != nil {
		return 0, fmt.Errorf("-%s: %w", name, err)
	}
	return amount, nil
}

// parseDuration accepts Go durations plus a whole-day "Nd" form.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("-duration is required")
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("-duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("-duration %q: %w", s, err)
	}
	return d, nil
}
