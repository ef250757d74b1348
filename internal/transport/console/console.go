// Package console is a development transport.Sender that writes messages to
// the log instead of a chat network.
package console

import (
	"context"
	"sync/atomic"

	"medbot/internal/transport"
	logx "medbot/pkg/logx"
)

type Sender struct {
	log logx.Logger
	seq atomic.Int64
}

var _ transport.Sender = (*Sender)(nil)

func New(log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log}
}

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	id := int(s.seq.Add(1))
	s.log.Info("outbound message", logx.Int64("chat", to.ChatID), logx.Int("msg_id", id), logx.String("text", text))
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
