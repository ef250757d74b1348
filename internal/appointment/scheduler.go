// Package appointment schedules the lead-time alerts of medical appointments.
//
// Each appointment owns one one-shot job per still-future offset, keyed by
// jobs.AppointmentKey(id, offset). Offsets whose fire instant is already in
// the past are skipped and logged; there is no catch-up.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"medbot/internal/domain"
	"medbot/internal/jobs"
	"medbot/internal/notify"
	"medbot/internal/recurrence"
	"medbot/internal/storage"
	"medbot/internal/timezone"
	logx "medbot/pkg/logx"
)

var (
	ErrInvalidDate   = domain.ErrInvalidDate
	ErrInvalidOffset = errors.New("invalid appointment offset")
)

// DefaultOffsets are used when neither config nor the appointment sets any.
var DefaultOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour}

// Source lists the appointments recovery should reschedule and re-reads each
// one before arming it. GetAppointment reports storage.ErrNotFound for a
// deleted row.
type Source interface {
	ListActiveAppointments(ctx context.Context) ([]domain.MedicalAppointment, error)
	GetAppointment(ctx context.Context, id int64) (domain.MedicalAppointment, error)
}

// Notifier is the outbound side. *notify.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, ownerID int64, text string) notify.DeliveryResult
}

type Config struct {
	DefaultTimezone string
	Offsets         []time.Duration
}

type Scheduler struct {
	// Now decides which offsets are still ahead. Tests may replace it.
	Now func() time.Time

	reg *jobs.Registry
	tz  *timezone.Resolver
	out Notifier
	src Source
	log logx.Logger

	// mu serializes cancel/register sequences across an appointment's keys.
	mu sync.Mutex

	cmu sync.RWMutex
	cfg Config
}

func New(cfg Config, reg *jobs.Registry, tz *timezone.Resolver, out Notifier, src Source, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{Now: time.Now, reg: reg, tz: tz, out: out, src: src, log: log.With(logx.String("comp", "appointment"))}
	s.SetConfig(cfg)
	return s
}

func (s *Scheduler) SetConfig(cfg Config) {
	cfg.Offsets = append([]time.Duration(nil), cfg.Offsets...)
	s.cmu.Lock()
	s.cfg = cfg
	s.cmu.Unlock()
}

func (s *Scheduler) config() Config {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return s.cfg
}

// Plan is a validated appointment: the event instant in the owner's zone and
// the offsets to alert at, largest first.
type Plan struct {
	EventAt  time.Time
	Location *time.Location
	Offsets  []time.Duration
}

// Validate resolves the event instant and offsets without touching the registry.
func (s *Scheduler) Validate(a domain.MedicalAppointment) (Plan, error) {
	cfg := s.config()

	hhmm, err := recurrence.NormalizeTime(a.Time)
	if err != nil {
		return Plan{}, err
	}
	zone := strings.TrimSpace(a.Timezone)
	if zone == "" {
		zone = cfg.DefaultTimezone
	}
	loc, err := s.tz.Location(zone)
	if err != nil {
		return Plan{}, err
	}
	eventAt, err := a.EventInstant(hhmm, loc)
	if err != nil {
		return Plan{}, err
	}

	offsets := a.Offsets
	if len(offsets) == 0 {
		offsets = cfg.Offsets
	}
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	clean, err := normalizeOffsets(offsets)
	if err != nil {
		return Plan{}, err
	}
	return Plan{EventAt: eventAt, Location: loc, Offsets: clean}, nil
}

func normalizeOffsets(in []time.Duration) ([]time.Duration, error) {
	seen := make(map[time.Duration]struct{}, len(in))
	out := make([]time.Duration, 0, len(in))
	for _, o := range in {
		if o < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOffset, o)
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// Lock serializes changes to appointment id. Callers that persist a change
// and then call a hook hold it across both, and Recover takes it per row. The
// hooks themselves do not take it.
func (s *Scheduler) Lock(id int64) (unlock func()) {
	return s.reg.LockEntity(jobs.KindAppointment, id)
}

// Keys lists the live offset jobs of appointment id, smallest offset first.
func (s *Scheduler) Keys(id int64) []jobs.Key {
	return s.reg.Keys(jobs.KindAppointment, id)
}

func (s *Scheduler) OnCreated(ctx context.Context, a domain.MedicalAppointment) error {
	_, err := s.apply(ctx, a, "created")
	return err
}

func (s *Scheduler) OnUpdated(ctx context.Context, a domain.MedicalAppointment) error {
	_, err := s.apply(ctx, a, "updated")
	return err
}

// OnDeleted cancels every offset job of the appointment.
func (s *Scheduler) OnDeleted(_ context.Context, id int64) {
	s.mu.Lock()
	n := s.reg.CancelEntity(jobs.KindAppointment, id)
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("appointment unscheduled", logx.Int64("id", id), logx.Int("jobs", n))
	}
}

// apply returns how many offset jobs are armed for a afterwards.
func (s *Scheduler) apply(_ context.Context, a domain.MedicalAppointment, why string) (int, error) {
	if !a.IsActive {
		s.mu.Lock()
		n := s.reg.CancelEntity(jobs.KindAppointment, a.ID)
		s.mu.Unlock()
		if n > 0 {
			s.log.Info("appointment deactivated", logx.Int64("id", a.ID), logx.Int("jobs", n))
		}
		return 0, nil
	}
	plan, err := s.Validate(a)
	if err != nil {
		return 0, fmt.Errorf("appointment %d: %w", a.ID, err)
	}

	snapshot := a
	snapshot.Offsets = append([]time.Duration(nil), a.Offsets...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reg.CancelEntity(jobs.KindAppointment, a.ID)
	skip := func(off time.Duration, at time.Time) {
		s.log.Info("appointment offset already past, skipped",
			logx.Int64("id", a.ID),
			logx.Duration("offset", off),
			logx.Time("fire_at", at.In(plan.Location)),
		)
	}
	now := s.now()
	armed := 0
	for _, off := range plan.Offsets {
		at := plan.EventAt.Add(-off)
		if !at.After(now) {
			skip(off, at)
			continue
		}
		eventAt := plan.EventAt
		fire := func(ctx context.Context, k jobs.Key, _ time.Time) error {
			return s.fire(ctx, snapshot, eventAt, off, k)
		}
		err := s.reg.Register(jobs.AppointmentKey(a.ID, off), jobs.At(at, plan.Location), fire)
		switch {
		case errors.Is(err, jobs.ErrPastInstant):
			// The registry clock passed the instant after our check.
			skip(off, at)
			continue
		case err != nil:
			s.reg.CancelEntity(jobs.KindAppointment, a.ID)
			return 0, err
		}
		armed++
	}
	s.log.Info("appointment scheduled",
		logx.Int64("id", a.ID),
		logx.String("event", why),
		logx.Time("event_at", plan.EventAt),
		logx.Int("jobs", armed),
		logx.Int("skipped", len(plan.Offsets)-armed),
	)
	return armed, nil
}

func (s *Scheduler) fire(ctx context.Context, a domain.MedicalAppointment, eventAt time.Time, offset time.Duration, key jobs.Key) error {
	res := s.out.Dispatch(notify.WithSubject(ctx, key.String()), a.OwnerID, notify.AppointmentText(a, eventAt, offset))
	if !res.OK {
		return errors.New(res.Error)
	}
	return nil
}

// Recover reschedules every active appointment. Appointments whose offsets
// are all past count as scheduled with zero jobs. Each listed row is re-read
// under its entity lock, so an appointment deleted or deactivated after the
// listing is cancelled instead of re-armed.
func (s *Scheduler) Recover(ctx context.Context) (jobs.RecoveryReport, error) {
	rep := jobs.RecoveryReport{Kind: jobs.KindAppointment.String()}
	if s.src == nil {
		return rep, errors.New("appointment recovery: no source")
	}
	list, err := s.src.ListActiveAppointments(ctx)
	if err != nil {
		return rep, fmt.Errorf("appointment recovery: %w", err)
	}
	rep.Loaded = len(list)
	for _, listed := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, live, err := s.recoverOne(ctx, listed.ID)
		switch {
		case err != nil:
			s.log.Warn("appointment recovery failed", logx.Int64("id", listed.ID), logx.Err(err))
			rep.Fail(listed.ID, err)
		case !live:
			rep.Skipped++
		default:
			rep.Scheduled++
			rep.Jobs += n
		}
	}
	return rep, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, id int64) (int, bool, error) {
	unlock := s.Lock(id)
	defer unlock()

	a, err := s.src.GetAppointment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.OnDeleted(ctx, id)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := s.apply(ctx, a, "recovered")
	if err != nil {
		return 0, false, err
	}
	return n, a.IsActive, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
