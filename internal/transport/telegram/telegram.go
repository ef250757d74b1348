// Package telegram is the send-only Telegram channel behind transport.Sender.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"medbot/internal/transport"
	logx "medbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API server, tests).
	APIURL string
	// HTTPTimeout bounds a single Bot API call.
	HTTPTimeout time.Duration
}

type Sender struct {
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Sender = (*Sender)(nil)

// New builds an offline bot: no getMe at startup and no update polling.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log, bot: b}, nil
}

// SendText sends text, split into Telegram-sized chunks. The returned ref
// points at the first chunk.
func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if to.ChatID == 0 {
		return transport.MessageRef{}, errors.New("telegram: chat id is zero")
	}

	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.sendChunk(ctx, chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 && msg != nil {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	if len(chunks) > 1 {
		s.log.Debug("message split", logx.Int64("chat", to.ChatID), logx.Int("chunks", len(chunks)))
	}
	return first, nil
}

// sendChunk lets ctx abandon a call telebot itself cannot cancel; the HTTP
// client timeout still bounds the abandoned request.
func (s *Sender) sendChunk(ctx context.Context, chat *tele.Chat, chunk string, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := s.bot.Send(chat, chunk, opt)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Skip newlines that would leave a tiny chunk.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
