package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix prefixes notification subjects: lend.notify.{kind}
const SubjectPrefix = "lend.notify"

// NATSSender publishes notifications for the delivery service.
type NATSSender struct {
	nc *nats.Conn
}

func NewNATSSender(nc *nats.Conn) *NATSSender {
	return &NATSSender{nc: nc}
}

func (s *NATSSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.nc.Publish(SubjectPrefix+"."+string(n.Kind), data)
}

func (s *NATSSender) Name() string {
	return "nats"
}
