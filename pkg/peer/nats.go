package peer

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ServeNATS answers commands published on subject. Each command must carry a
// reply subject; the response is sent there. The subscription ends when ctx
// is done or it is unsubscribed.
func (p *Peer) ServeNATS(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Reply == "" {
			p.config.logger.Warn("dropping command without reply subject", "subject", msg.Subject)
			return
		}
		out, ok := p.Dispatch(ctx, msg.Data)
		if !ok {
			return
		}
		if err := msg.Respond(out); err != nil {
			p.config.logger.Info("failed to publish response", "reply", msg.Reply, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	p.config.logger.Info("serving commands over NATS", "subject", subject)
	return sub, nil
}
