// Package transport defines the outbound messaging boundary. The scheduling
// core only ever sends; there is no inbound update path.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender delivers text to a chat. Implementations must be safe for
// concurrent use and must honour ctx cancellation.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
