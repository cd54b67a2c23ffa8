// Package yield redeems frozen class A collateral through the yield-claim
// collaborator over NATS request/reply.
package yield

import (
	"LendLedger/internal/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRedeem is served by the yield-claim collaborator.
const SubjectRedeem = "lend.yield.redeem"

var (
	// ErrDeclined is returned when the collaborator answers with an error.
	ErrDeclined = errors.New("redemption declined")
	// ErrUnavailable is returned when no answer arrives in time.
	ErrUnavailable = errors.New("yield collaborator unavailable")
)

type RedeemRequest struct {
	PositionID uint64 `json:"position_id"`
	Token      string `json:"token"`
	Amount     int64  `json:"amount"`
	ValueUSD   int64  `json:"value_usd"`
}

// Reply carries the stablecoin proceeds of a redemption, in micro-USD.
type Reply struct {
	Proceeds int64  `json:"proceeds"`
	Error    string `json:"error,omitempty"`
}

// NATSSource is the core.YieldSource of a deployed ledger. Any error it
// returns rejects the settlement with yield_unavailable, leaving the
// position in liquidation for a later retry.
type NATSSource struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSSource(nc *nats.Conn, timeout time.Duration) *NATSSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSSource{nc: nc, timeout: timeout}
}

func (s *NATSSource) Redeem(ctx context.Context, req core.RedeemRequest) (int64, error) {
	data, err := json.Marshal(RedeemRequest(req))
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", SubjectRedeem, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(ctx, SubjectRedeem, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return 0, fmt.Errorf("redeem position %d: %w: %v", req.PositionID, ErrUnavailable, err)
		}
		return 0, fmt.Errorf("request %s: %w", SubjectRedeem, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return 0, fmt.Errorf("decode %s reply: %w", SubjectRedeem, err)
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("redeem position %d: %w: %s", req.PositionID, ErrDeclined, reply.Error)
	}
	if reply.Proceeds < 0 {
		return 0, fmt.Errorf("redeem position %d: %w: negative proceeds %d", req.PositionID, ErrDeclined, reply.Proceeds)
	}
	return reply.Proceeds, nil
}

// Handler answers redemption requests. Serve wires it to NATS.
type Handler interface {
	Redeem(ctx context.Context, req RedeemRequest) (int64, error)
}

// Serve subscribes h to SubjectRedeem under a queue group.
func Serve(nc *nats.Conn, queue string, h Handler) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(SubjectRedeem, queue, func(m *nats.Msg) {
		var req RedeemRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respond(m, Reply{Error: "malformed request"})
			return
		}
		proceeds, err := h.Redeem(context.Background(), req)
		if err != nil {
			respond(m, Reply{Error: err.Error()})
			return
		}
		respond(m, Reply{Proceeds: proceeds})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectRedeem, err)
	}
	return sub, nil
}

func respond(m *nats.Msg, reply Reply) {
	data, _ := json.Marshal(reply)
	_ = m.Respond(data)
}

var _ core.YieldSource = (*NATSSource)(nil)
