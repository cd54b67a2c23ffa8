package creditline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects served by the credit-line collaborator.
const (
	SubjectIssue  = "lend.creditline.issue"
	SubjectRevoke = "lend.creditline.revoke"
)

// ErrDeclined is returned when the collaborator answers with an error.
var ErrDeclined = errors.New("credit line declined")

// Client issues and revokes credit lines against deposited collateral.
type Client interface {
	Issue(ctx context.Context, req IssueRequest) (string, error)
	Revoke(ctx context.Context, req RevokeRequest) error
}

type IssueRequest struct {
	PositionID uint64 `json:"position_id"`
	Owner      string `json:"owner"`
	ValueUSD   int64  `json:"value_usd"`
}

type RevokeRequest struct {
	PositionID    uint64 `json:"position_id"`
	CreditLineRef string `json:"credit_line_ref"`
}

// Reply is the collaborator's answer to either request.
type Reply struct {
	CreditLineRef string `json:"credit_line_ref,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NATSClient calls the collaborator over NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, timeout: timeout}
}

func (c *NATSClient) Issue(ctx context.Context, req IssueRequest) (string, error) {
	reply, err := c.request(ctx, SubjectIssue, req)
	if err != nil {
		return "", err
	}
	if reply.CreditLineRef == "" {
		return "", fmt.Errorf("issue position %d: %w: empty reference", req.PositionID, ErrDeclined)
	}
	return reply.CreditLineRef, nil
}

func (c *NATSClient) Revoke(ctx context.Context, req RevokeRequest) error {
	_, err := c.request(ctx, SubjectRevoke, req)
	return err
}

func (c *NATSClient) request(ctx context.Context, subject string, body any) (Reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal %s: %w", subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if reply.Error != "" {
		return Reply{}, fmt.Errorf("%s: %w: %s", subject, ErrDeclined, reply.Error)
	}
	return reply, nil
}

// Handler answers collaborator requests. Serve wires it to NATS.
type Handler interface {
	Issue(ctx context.Context, req IssueRequest) (string, error)
	Revoke(ctx context.Context, req RevokeRequest) error
}

// Serve subscribes h to both subjects under a queue group, so several
// collaborator replicas share the load. Call Unsubscribe on the returned
// subscriptions to stop.
func Serve(nc *nats.Conn, queue string, h Handler) ([]*nats.Subscription, error) {
	issue, err := nc.QueueSubscribe(SubjectIssue, queue, func(m *nats.Msg) {
		var req IssueRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respond(m, Reply{Error: "malformed request"})
			return
		}
		ref, err := h.Issue(context.Background(), req)
		if err != nil {
			respond(m, Reply{Error: err.Error()})
			return
		}
		respond(m, Reply{CreditLineRef: ref})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectIssue, err)
	}

	revoke, err := nc.QueueSubscribe(SubjectRevoke, queue, func(m *nats.Msg) {
		var req RevokeRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respond(m, Reply{Error: "malformed request"})
			return
		}
		if err := h.Revoke(context.Background(), req); err != nil {
			respond(m, Reply{Error: err.Error()})
			return
		}
		respond(m, Reply{CreditLineRef: req.CreditLineRef})
	})
	if err != nil {
		_ = issue.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", SubjectRevoke, err)
	}
	return []*nats.Subscription{issue, revoke}, nil
}

func respond(m *nats.Msg, reply Reply) {
	data, _ := json.Marshal(reply)
	_ = m.Respond(data)
}

var _ Client = (*NATSClient)(nil)
