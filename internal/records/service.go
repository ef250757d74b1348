// Package records is the CRUD collaborator of the schedulers: it validates
// through the scheduler, persists, and then calls the scheduler hook.
//
// Every write holds the scheduler's per-record lock from the store call
// through the hook, so recovery (which takes the same lock) never re-arms a
// row from a stale read.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"medbot/internal/appointment"
	"medbot/internal/domain"
	"medbot/internal/jobs"
	"medbot/internal/recurrence"
	"medbot/internal/reminder"
	"medbot/internal/storage"
	"medbot/internal/timezone"
	logx "medbot/pkg/logx"
)

var ErrInvalid = errors.New("invalid record")

// IsValidation reports whether err was caused by bad input rather than by
// storage or the registry.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalid,
		timezone.ErrInvalidTimezone,
		recurrence.ErrInvalidTimeFormat,
		recurrence.ErrInvalidWeekday,
		appointment.ErrInvalidDate,
		appointment.ErrInvalidOffset,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type Service struct {
	store storage.Store
	rem   *reminder.Scheduler
	appt  *appointment.Scheduler
	log   logx.Logger
}

func New(store storage.Store, rem *reminder.Scheduler, appt *appointment.Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, rem: rem, appt: appt, log: log.With(logx.String("comp", "records"))}
}

func checkReminder(r domain.MedicationReminder) error {
	if r.OwnerID == 0 {
		return fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	if strings.TrimSpace(r.MedicationName) == "" {
		return fmt.Errorf("%w: medication_name is required", ErrInvalid)
	}
	return nil
}

func checkAppointment(a domain.MedicalAppointment) error {
	if a.OwnerID == 0 {
		return fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	return nil
}

// CreateReminder persists r and schedules it. If scheduling fails the row is
// removed again so storage and registry agree.
func (s *Service) CreateReminder(ctx context.Context, r domain.MedicationReminder) (domain.MedicationReminder, error) {
	if err := checkReminder(r); err != nil {
		return r, err
	}
	plan, err := s.rem.Validate(r)
	if err != nil {
		return r, err
	}
	r.TimeOfDay = plan.Rule.TimeOfDay()
	r.DaysOfWeek = plan.Rule.Days
	r.LastFiredAt = nil
	if err := s.store.CreateReminder(ctx, &r); err != nil {
		return r, err
	}
	unlock := s.rem.Lock(r.ID)
	defer unlock()
	if err := s.rem.OnCreated(ctx, r); err != nil {
		if derr := s.store.DeleteReminder(ctx, r.ID); derr != nil {
			s.log.Warn("reminder rollback failed", logx.Int64("id", r.ID), logx.Err(derr))
		}
		s.rem.OnDeleted(ctx, r.ID)
		return r, err
	}
	return r, nil
}

func (s *Service) UpdateReminder(ctx context.Context, r domain.MedicationReminder) (domain.MedicationReminder, error) {
	unlock := s.rem.Lock(r.ID)
	defer unlock()
	prev, err := s.store.GetReminder(ctx, r.ID)
	if err != nil {
		return r, err
	}
	if err := checkReminder(r); err != nil {
		return r, err
	}
	plan, err := s.rem.Validate(r)
	if err != nil {
		return r, err
	}
	r.TimeOfDay = plan.Rule.TimeOfDay()
	r.DaysOfWeek = plan.Rule.Days
	r.LastFiredAt = prev.LastFiredAt
	if err := s.store.UpdateReminder(ctx, r); err != nil {
		return r, err
	}
	return r, s.rem.OnUpdated(ctx, r)
}

func (s *Service) DeleteReminder(ctx context.Context, id int64) error {
	unlock := s.rem.Lock(id)
	defer unlock()
	if err := s.store.DeleteReminder(ctx, id); err != nil {
		return err
	}
	s.rem.OnDeleted(ctx, id)
	return nil
}

func (s *Service) GetReminder(ctx context.Context, id int64) (domain.MedicationReminder, error) {
	return s.store.GetReminder(ctx, id)
}

func (s *Service) CreateAppointment(ctx context.Context, a domain.MedicalAppointment) (domain.MedicalAppointment, error) {
	if err := checkAppointment(a); err != nil {
		return a, err
	}
	if _, err := s.appt.Validate(a); err != nil {
		return a, err
	}
	hhmm, _ := recurrence.NormalizeTime(a.Time)
	a.Time = hhmm
	if err := s.store.CreateAppointment(ctx, &a); err != nil {
		return a, err
	}
	unlock := s.appt.Lock(a.ID)
	defer unlock()
	if err := s.appt.OnCreated(ctx, a); err != nil {
		if derr := s.store.DeleteAppointment(ctx, a.ID); derr != nil {
			s.log.Warn("appointment rollback failed", logx.Int64("id", a.ID), logx.Err(derr))
		}
		s.appt.OnDeleted(ctx, a.ID)
		return a, err
	}
	return a, nil
}

func (s *Service) UpdateAppointment(ctx context.Context, a domain.MedicalAppointment) (domain.MedicalAppointment, error) {
	unlock := s.appt.Lock(a.ID)
	defer unlock()
	if _, err := s.store.GetAppointment(ctx, a.ID); err != nil {
		return a, err
	}
	if err := checkAppointment(a); err != nil {
		return a, err
	}
	if _, err := s.appt.Validate(a); err != nil {
		return a, err
	}
	hhmm, _ := recurrence.NormalizeTime(a.Time)
	a.Time = hhmm
	if err := s.store.UpdateAppointment(ctx, a); err != nil {
		return a, err
	}
	return a, s.appt.OnUpdated(ctx, a)
}

func (s *Service) DeleteAppointment(ctx context.Context, id int64) error {
	unlock := s.appt.Lock(id)
	defer unlock()
	if err := s.store.DeleteAppointment(ctx, id); err != nil {
		return err
	}
	s.appt.OnDeleted(ctx, id)
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id int64) (domain.MedicalAppointment, error) {
	return s.store.GetAppointment(ctx, id)
}

// Scheduled lists the live job keys of one record.
func (s *Service) Scheduled(kind jobs.Kind, id int64) []string {
	var keys []jobs.Key
	switch kind {
	case jobs.KindReminder:
		keys = s.rem.Keys(id)
	case jobs.KindAppointment:
		keys = s.appt.Keys(id)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
