// Package jobs owns every live timer and cron handle in the process.
//
// Callers address jobs only by Key. Register replaces any existing job for
// the key under a single lock, so there is never a moment where two handles
// for one key are armed. Each registration gets a fresh generation; a fire
// that carries an older generation is dropped, which means no fire from a
// replaced or cancelled trigger starts after Register/Cancel returns. A fire
// already handed to the executor is not interrupted.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"medbot/internal/eventbus"
	"medbot/internal/task/engine"
	logx "medbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrRegistrationFailed = errors.New("job registration failed")

// ErrPastInstant is returned by Register for a one-shot whose instant is not
// after the registry clock. It wraps ErrRegistrationFailed; callers that
// treat a past instant as a skip test for it first.
var ErrPastInstant = fmt.Errorf("%w: instant is not in the future", ErrRegistrationFailed)

// FireFunc runs on an executor worker, never under the registry lock.
type FireFunc func(ctx context.Context, key Key, firedAt time.Time) error

// Executor runs fired jobs. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// MaxJobs caps live entries. 0 means unlimited.
	MaxJobs int
	// FireTimeout bounds a single fire; 0 defers to the executor default.
	FireTimeout time.Duration
}

// Info is a point-in-time view of a job for diagnostics.
type Info struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	EntityID     int64     `json:"entity_id"`
	Trigger      string    `json:"trigger"`
	Next         time.Time `json:"next"`
	RegisteredAt time.Time `json:"registered_at"`
	Fires        uint64    `json:"fires"`
	LastFired    time.Time `json:"last_fired,omitempty"`
}

type entry struct {
	key  Key
	gen  uint64
	trig Trigger
	fire FireFunc

	sched  cron.Schedule
	cronID cron.EntryID
	timer  *time.Timer

	registeredAt time.Time
	fires        uint64
	lastFired    time.Time
}

type Registry struct {
	// Now is the clock used for next-occurrence math. Tests may replace it
	// before the first Register.
	Now func() time.Time

	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	c       *cron.Cron
	entries map[Key]*entry
	gen     uint64
	closed  bool
	started bool

	elocks entityLocks
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		Now:  time.Now,
		cfg:  cfg,
		log:  log,
		bus:  bus,
		exec: exec,
		// Every entry carries its own CRON_TZ; the cron-level location is unused.
		c:       cron.New(cron.WithLocation(time.UTC)),
		entries: map[Key]*entry{},
	}
}

// SetMaxJobs updates the live-entry cap. Existing entries are kept.
func (r *Registry) SetMaxJobs(n int) {
	r.mu.Lock()
	r.cfg.MaxJobs = n
	r.mu.Unlock()
}

func (r *Registry) Start(ctx context.Context) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.c.Start()
	r.log.Info("job registry started", logx.Int("jobs", len(r.entries)))
}

// Stop disarms every job and waits for the cron loop (bounded by ctx).
// Fires already running on the executor are left alone.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	n := len(r.entries)
	for k, e := range r.entries {
		r.disarmLocked(e)
		delete(r.entries, k)
	}
	c := r.c
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("job registry stopped", logx.Int("dropped_jobs", n))
}

// Register arms trig for key, replacing whatever was registered before.
func (r *Registry) Register(key Key, trig Trigger, fire FireFunc) error {
	if !key.valid() {
		return fmt.Errorf("%w: invalid key %v", ErrRegistrationFailed, key)
	}
	if fire == nil {
		return fmt.Errorf("%w: %s: nil fire func", ErrRegistrationFailed, key)
	}

	now := r.now()
	var (
		sched cron.Schedule
		next  time.Time
	)
	switch trig.kind {
	case triggerRecurring:
		s, err := trig.rule.Schedule(trig.Location())
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRegistrationFailed, key, err)
		}
		sched = s
		next = s.Next(now)
		if next.IsZero() {
			return fmt.Errorf("%w: %s: rule %q has no future occurrence", ErrRegistrationFailed, key, trig.rule.CronSpec())
		}
	case triggerAt:
		if !trig.at.After(now) {
			return fmt.Errorf("%w: %s: %s", ErrPastInstant, key, trig.at.Format(time.RFC3339))
		}
		next = trig.at
	default:
		return fmt.Errorf("%w: %s: empty trigger", ErrRegistrationFailed, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %s: registry stopped", ErrRegistrationFailed, key)
	}
	prev := r.entries[key]
	if prev == nil && r.cfg.MaxJobs > 0 && len(r.entries) >= r.cfg.MaxJobs {
		return fmt.Errorf("%w: %s: max jobs (%d) reached", ErrRegistrationFailed, key, r.cfg.MaxJobs)
	}
	if prev != nil {
		r.disarmLocked(prev)
		delete(r.entries, key)
	}

	r.gen++
	e := &entry{key: key, gen: r.gen, trig: trig, fire: fire, sched: sched, registeredAt: now}
	gen := e.gen
	if sched != nil {
		e.cronID = r.c.Schedule(sched, cron.FuncJob(func() { r.trigger(key, gen) }))
	} else {
		e.timer = time.AfterFunc(trig.at.Sub(now), func() { r.trigger(key, gen) })
	}
	r.entries[key] = e

	r.log.Debug("job registered",
		logx.String("key", key.String()),
		logx.String("trigger", trig.String()),
		logx.Time("next", next.In(trig.Location())),
		logx.Bool("replaced", prev != nil),
	)
	return nil
}

// Cancel disarms key. Unknown keys are a no-op.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.disarmLocked(e)
	delete(r.entries, key)
	r.log.Debug("job cancelled", logx.String("key", key.String()))
	return true
}

// CancelEntity removes every job of kind for entity id and reports how many
// were live.
func (r *Registry) CancelEntity(kind Kind, id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if k.Kind != kind || k.EntityID != id {
			continue
		}
		r.disarmLocked(e)
		delete(r.entries, k)
		n++
	}
	if n > 0 {
		r.log.Debug("entity jobs cancelled", logx.String("kind", kind.String()), logx.Int64("id", id), logx.Int("count", n))
	}
	return n
}

func (r *Registry) Exists(key Key) bool {
	r.mu.Lock()
	_, ok := r.entries[key]
	r.mu.Unlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// Keys returns the live keys for one entity, sorted by offset.
func (r *Registry) Keys(kind Kind, id int64) []Key {
	r.mu.Lock()
	out := make([]Key, 0, 2)
	for k := range r.entries {
		if k.Kind == kind && k.EntityID == id {
			out = append(out, k)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Next reports the next fire instant for key.
func (r *Registry) Next(key Key) (time.Time, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.nextAfter(now), true
}

func (r *Registry) Snapshot() []Info {
	now := r.now()
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, Info{
			Key:          k.String(),
			Kind:         k.Kind.String(),
			EntityID:     k.EntityID,
			Trigger:      e.trig.String(),
			Next:         e.nextAfter(now),
			RegisteredAt: e.registeredAt,
			Fires:        e.fires,
			LastFired:    e.lastFired,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (e *entry) nextAfter(now time.Time) time.Time {
	if e.sched != nil {
		return e.sched.Next(now)
	}
	return e.trig.at
}

func (r *Registry) disarmLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cronID != 0 {
		r.c.Remove(e.cronID)
	}
}

// trigger is called by cron or a timer. It validates the generation, then
// hands the fire to the executor with the lock released.
func (r *Registry) trigger(key Key, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if r.closed || !ok || e.gen != gen {
		r.mu.Unlock()
		r.log.Trace("stale fire dropped", logx.String("key", key.String()), logx.Uint64("gen", gen))
		return
	}
	firedAt := r.now()
	e.fires++
	e.lastFired = firedAt
	fire := e.fire
	if e.trig.OneShot() {
		delete(r.entries, key)
	}
	timeout := r.cfg.FireTimeout
	exec := r.exec
	r.mu.Unlock()

	run := func(ctx context.Context) error { return fire(ctx, key, firedAt) }
	if exec == nil {
		go func() {
			ctx, cancel := contextFor(timeout)
			defer cancel()
			if err := run(ctx); err != nil {
				r.log.Warn("job fire failed", logx.String("key", key.String()), logx.Err(err))
			}
		}()
	} else if err := exec.Enqueue(engine.Task{Name: key.String(), Timeout: timeout, Run: run}); err != nil {
		r.log.Warn("job fire not enqueued", logx.String("key", key.String()), logx.Err(err))
		r.publish(eventbus.JobSkipped, key, firedAt, err)
		return
	}
	r.publish(eventbus.JobFired, key, firedAt, nil)
}

// FireEvent is the payload of job.fired and job.skipped bus events.
type FireEvent struct {
	Key     string    `json:"key"`
	FiredAt time.Time `json:"fired_at"`
	Error   string    `json:"error,omitempty"`
}

func (r *Registry) publish(typ string, key Key, at time.Time, err error) {
	if r.bus == nil {
		return
	}
	ev := FireEvent{Key: key.String(), FiredAt: at}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func contextFor(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
