// Package notify is the single choke point for outbound notifications.
//
// Dispatch never panics into the caller and never retries: a failed send is
// logged, published on the event bus, written to the delivery log and
// returned as DeliveryResult{OK: false}.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"medbot/internal/domain"
	"medbot/internal/eventbus"
	"medbot/internal/transport"
	logx "medbot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Config struct {
	// RatePerSec is the token-bucket rate across all recipients; burst equals the rate.
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

type DeliveryResult = domain.Delivery

// DeliveryLog persists outcomes. Write errors are logged and otherwise ignored.
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, d domain.Delivery) error
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender transport.Sender
	log    logx.Logger
	bus    eventbus.Bus
	dlog   DeliveryLog

	hmu     sync.Mutex
	history []DeliveryResult
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, dlog DeliveryLog) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log, bus: bus, dlog: dlog}
	d.Apply(cfg)
	return d
}

// Apply swaps rate, timeout and history size. In-flight sends keep the old limiter.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

type subjectKey struct{}

// WithSubject tags deliveries made under ctx (for example "reminder:42").
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Dispatch sends text to ownerID and reports the outcome. It is safe for
// concurrent use and never returns an error or panics.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID int64, text string) DeliveryResult {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	start := time.Now()
	res := DeliveryResult{ID: uuid.NewString(), OwnerID: ownerID, Subject: subjectFrom(ctx), At: start}

	err := d.send(ctx, cfg, lim, ownerID, text, &res)
	res.Took = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		d.log.Warn("dispatch failed",
			logx.String("delivery", res.ID),
			logx.Int64("owner", ownerID),
			logx.String("subject", res.Subject),
			logx.Duration("took", res.Took),
			logx.Err(err),
		)
	} else {
		res.OK = true
		d.log.Debug("dispatched", logx.String("delivery", res.ID), logx.Int64("owner", ownerID), logx.String("subject", res.Subject), logx.Duration("took", res.Took))
	}

	d.record(cfg, res)
	if d.bus != nil {
		typ := eventbus.NotifySent
		if !res.OK {
			typ = eventbus.NotifyFailed
		}
		d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: res})
	}
	if d.dlog != nil {
		// Detached from ctx so a cancelled fire still leaves a record.
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.dlog.AppendDelivery(wctx, res); err != nil {
			d.log.Warn("delivery log write failed", logx.String("delivery", res.ID), logx.Err(err))
		}
		cancel()
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, lim *rate.Limiter, ownerID int64, text string, res *DeliveryResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	if d.sender == nil {
		return errors.New("no sender configured")
	}
	if ownerID == 0 {
		return errors.New("owner id is zero")
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	ref, err := d.sender.SendText(callCtx, transport.ChatTarget{ChatID: ownerID}, text, nil)
	if err != nil {
		return err
	}
	res.MessageID = ref.MessageID
	return nil
}

func (d *Dispatcher) record(cfg Config, res DeliveryResult) {
	d.hmu.Lock()
	d.history = append(d.history, res)
	if len(d.history) > cfg.HistorySize {
		d.history = d.history[len(d.history)-cfg.HistorySize:]
	}
	d.hmu.Unlock()
}

// History returns recent outcomes, oldest first.
func (d *Dispatcher) History() []DeliveryResult {
	d.hmu.Lock()
	out := append([]DeliveryResult(nil), d.history...)
	d.hmu.Unlock()
	return out
}
