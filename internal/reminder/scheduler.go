// Package reminder keeps recurring medication triggers in step with the
// persisted reminders.
//
// An active reminder owns exactly one job, keyed by jobs.ReminderKey. Create
// and update both register (replacing in place); deactivate and delete
// cancel. A fire dispatches the message and records lastFiredAt only when
// the send succeeded. A failed send leaves the recurring job armed.
package reminder

import (
	"context"
	"errors"
	"fmt"
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

// FiredRecorder persists the instant of the last successful fire.
type FiredRecorder interface {
	RecordFired(ctx context.Context, id int64, at time.Time) error
}

// Source lists the reminders recovery should reschedule and re-reads each
// one before arming it. GetReminder reports storage.ErrNotFound for a
// deleted row.
type Source interface {
	ListActiveReminders(ctx context.Context) ([]domain.MedicationReminder, error)
	GetReminder(ctx context.Context, id int64) (domain.MedicationReminder, error)
}

// Notifier is the outbound side. *notify.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, ownerID int64, text string) notify.DeliveryResult
}

type Config struct {
	// DefaultTimezone applies only when a reminder carries no timezone.
	DefaultTimezone string
}

type Scheduler struct {
	reg *jobs.Registry
	tz  *timezone.Resolver
	out Notifier
	rec FiredRecorder
	src Source
	log logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, reg *jobs.Registry, tz *timezone.Resolver, out Notifier, rec FiredRecorder, src Source, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{reg: reg, tz: tz, out: out, rec: rec, src: src, log: log.With(logx.String("comp", "reminder")), cfg: cfg}
}

func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Plan is a validated reminder ready to register.
type Plan struct {
	Rule     recurrence.Rule
	Location *time.Location
}

// Validate checks time, weekdays and timezone without touching the registry.
func (s *Scheduler) Validate(r domain.MedicationReminder) (Plan, error) {
	hhmm, err := recurrence.NormalizeTime(r.TimeOfDay)
	if err != nil {
		return Plan{}, err
	}
	rule, err := recurrence.BuildRule(hhmm, r.DaysOfWeek)
	if err != nil {
		return Plan{}, err
	}
	zone := strings.TrimSpace(r.Timezone)
	if zone == "" {
		zone = s.config().DefaultTimezone
	}
	loc, err := s.tz.Location(zone)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Rule: rule, Location: loc}, nil
}

// Lock serializes changes to reminder id. Callers that persist a change and
// then call a hook hold it across both, and Recover takes it per row. The
// hooks themselves do not take it.
func (s *Scheduler) Lock(id int64) (unlock func()) {
	return s.reg.LockEntity(jobs.KindReminder, id)
}

// Keys lists the live job keys of reminder id (zero or one).
func (s *Scheduler) Keys(id int64) []jobs.Key {
	return s.reg.Keys(jobs.KindReminder, id)
}

func (s *Scheduler) OnCreated(ctx context.Context, r domain.MedicationReminder) error {
	return s.apply(ctx, r, "created")
}

func (s *Scheduler) OnUpdated(ctx context.Context, r domain.MedicationReminder) error {
	return s.apply(ctx, r, "updated")
}

// OnDeleted cancels the reminder's job. Deleting an unknown reminder is a no-op.
func (s *Scheduler) OnDeleted(_ context.Context, id int64) {
	if s.reg.Cancel(jobs.ReminderKey(id)) {
		s.log.Info("reminder unscheduled", logx.Int64("id", id))
	}
}

func (s *Scheduler) apply(_ context.Context, r domain.MedicationReminder, why string) error {
	key := jobs.ReminderKey(r.ID)
	if !r.IsActive {
		if s.reg.Cancel(key) {
			s.log.Info("reminder deactivated", logx.Int64("id", r.ID))
		}
		return nil
	}
	plan, err := s.Validate(r)
	if err != nil {
		return fmt.Errorf("reminder %d: %w", r.ID, err)
	}

	snapshot := r
	snapshot.DaysOfWeek = append([]time.Weekday(nil), r.DaysOfWeek...)
	fire := func(ctx context.Context, k jobs.Key, firedAt time.Time) error {
		return s.fire(ctx, snapshot, k, firedAt)
	}
	if err := s.reg.Register(key, jobs.Recurring(plan.Rule, plan.Location), fire); err != nil {
		return err
	}
	next, _ := s.reg.Next(key)
	s.log.Info("reminder scheduled",
		logx.Int64("id", r.ID),
		logx.String("event", why),
		logx.String("rule", plan.Rule.String()),
		logx.String("tz", plan.Location.String()),
		logx.Time("next", next.In(plan.Location)),
	)
	return nil
}

func (s *Scheduler) fire(ctx context.Context, r domain.MedicationReminder, key jobs.Key, firedAt time.Time) error {
	res := s.out.Dispatch(notify.WithSubject(ctx, key.String()), r.OwnerID, notify.ReminderText(r))
	if !res.OK {
		return errors.New(res.Error)
	}
	if s.rec == nil {
		return nil
	}
	if err := s.rec.RecordFired(ctx, r.ID, firedAt); err != nil {
		s.log.Warn("record fired failed", logx.Int64("id", r.ID), logx.Err(err))
		return err
	}
	return nil
}

// Recover registers every active reminder. It is safe to run repeatedly and
// keeps going past records that fail validation or registration. Each listed
// row is re-read under its entity lock, so a reminder deleted or deactivated
// after the listing is cancelled instead of re-armed.
func (s *Scheduler) Recover(ctx context.Context) (jobs.RecoveryReport, error) {
	rep := jobs.RecoveryReport{Kind: jobs.KindReminder.String()}
	if s.src == nil {
		return rep, errors.New("reminder recovery: no source")
	}
	list, err := s.src.ListActiveReminders(ctx)
	if err != nil {
		return rep, fmt.Errorf("reminder recovery: %w", err)
	}
	rep.Loaded = len(list)
	for _, listed := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		armed, err := s.recoverOne(ctx, listed.ID)
		switch {
		case err != nil:
			s.log.Warn("reminder recovery failed", logx.Int64("id", listed.ID), logx.Err(err))
			rep.Fail(listed.ID, err)
		case !armed:
			rep.Skipped++
		default:
			rep.Scheduled++
			rep.Jobs++
		}
	}
	return rep, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, id int64) (bool, error) {
	unlock := s.Lock(id)
	defer unlock()

	r, err := s.src.GetReminder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.OnDeleted(ctx, id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.apply(ctx, r, "recovered"); err != nil {
		return false, err
	}
	return r.IsActive, nil
}
