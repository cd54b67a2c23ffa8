package server

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/pool"
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client is the gRPC client of the ledger authority. It turns status codes
// back into the authority's sentinel errors so callers can use errors.Is.
// Unavailable and DeadlineExceeded are returned as status errors.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a ledger authority.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must use the JSON
// content subtype.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
}

func (c *Client) Submit(ctx context.Context, tx core.Transaction) (core.SubmitResult, error) {
	var resp SubmitResponse
	if err := c.invoke(ctx, "Submit", &SubmitRequest{Transaction: tx}, &resp); err != nil {
		return core.SubmitResult{}, fromStatus(err)
	}
	return resp.Result, nil
}

func (c *Client) PendingNonce(ctx context.Context, sender string) (uint64, error) {
	var resp PendingNonceResponse
	if err := c.invoke(ctx, "PendingNonce", &PendingNonceRequest{Sender: sender}, &resp); err != nil {
		return 0, fromStatus(err)
	}
	return resp.Nonce, nil
}

func (c *Client) Receipt(ctx context.Context, txHash string) (*core.Receipt, error) {
	var resp ReceiptResponse
	if err := c.invoke(ctx, "Receipt", &ReceiptRequest{TxHash: txHash}, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Receipt, nil
}

// GetLogs returns up to limit confirmed logs from a sequence.
func (c *Client) GetLogs(ctx context.Context, from int64, limit int) ([]event.LogEntry, error) {
	var resp GetLogsResponse
	if err := c.invoke(ctx, "GetLogs", &GetLogsRequest{FromSequence: from, Limit: limit}, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Logs, nil
}

// LogHead returns the highest confirmed log sequence.
func (c *Client) LogHead(ctx context.Context) (int64, error) {
	var resp GetLogsResponse
	// A one-entry window beyond any real sequence returns only the head.
	if err := c.invoke(ctx, "GetLogs", &GetLogsRequest{FromSequence: 1 << 62, Limit: 1}, &resp); err != nil {
		return 0, fromStatus(err)
	}
	return resp.Head, nil
}

// GetPosition returns the authoritative position view, nil when unknown.
func (c *Client) GetPosition(ctx context.Context, positionID uint64) (*core.PositionView, error) {
	var resp GetPositionResponse
	if err := c.invoke(ctx, "GetPosition", &GetPositionRequest{PositionID: positionID}, &resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fromStatus(err)
	}
	return resp.Position, nil
}

func (c *Client) PoolStats(ctx context.Context) (pool.Stats, error) {
	var resp PoolStatsResponse
	if err := c.invoke(ctx, "PoolStats", &PoolStatsRequest{}, &resp); err != nil {
		return pool.Stats{}, fromStatus(err)
	}
	return resp.Stats, nil
}

// fromStatus is the inverse of toStatus for the errors callers branch on.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	switch st.Code() {
	case codes.Aborted:
		if strings.HasPrefix(msg, core.ErrNonceGap.Error()) {
			return fmt.Errorf("%w: %s", core.ErrNonceGap, strings.TrimPrefix(msg, core.ErrNonceGap.Error()+": "))
		}
		return fmt.Errorf("%w: %s", core.ErrNonceTooLow, strings.TrimPrefix(msg, core.ErrNonceTooLow.Error()+": "))
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", core.ErrNotConfirmed, msg)
	case codes.NotFound:
		return fmt.Errorf("%w: %s", core.ErrUnknownTx, msg)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", core.ErrInvalidTransaction, msg)
	}
	return err
}
