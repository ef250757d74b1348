package records

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medbot/internal/appointment"
	"medbot/internal/domain"
	"medbot/internal/jobs"
	"medbot/internal/notify"
	"medbot/internal/reminder"
	"medbot/internal/storage"
	"medbot/internal/task/engine"
	"medbot/internal/timezone"
	logx "medbot/pkg/logx"
)

type inlineExec struct{}

func (inlineExec) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

type okNotifier struct{}

func (okNotifier) Dispatch(_ context.Context, ownerID int64, _ string) notify.DeliveryResult {
	return notify.DeliveryResult{OwnerID: ownerID, OK: true}
}

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	reg   *jobs.Registry
	store *storage.Memory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := jobs.New(jobs.Config{}, inlineExec{}, logx.Nop(), nil)
	reg.Now = func() time.Time { return testNow }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Stop(ctx)
	})
	tz, err := timezone.NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	store := storage.NewMemory()
	rem := reminder.New(reminder.Config{DefaultTimezone: "UTC"}, reg, tz, okNotifier{}, store, store, logx.Nop())
	appt := appointment.New(appointment.Config{DefaultTimezone: "UTC", Offsets: []time.Duration{24 * time.Hour, 2 * time.Hour}}, reg, tz, okNotifier{}, store, logx.Nop())
	appt.Now = reg.Now
	return fixture{svc: New(store, rem, appt, logx.Nop()), reg: reg, store: store}
}

func TestReminderLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.CreateReminder(ctx, domain.MedicationReminder{OwnerID: 1, MedicationName: "Metformin", TimeOfDay: "8:00 pm", Timezone: "bogota", IsActive: true})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if r.ID == 0 || r.TimeOfDay != "20:00" {
		t.Fatalf("created = %+v", r)
	}
	if got := f.svc.Scheduled(jobs.KindReminder, r.ID); len(got) != 1 {
		t.Fatalf("scheduled = %v", got)
	}

	r.IsActive = false
	if _, err := f.svc.UpdateReminder(ctx, r); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("deactivated reminder still scheduled")
	}

	if err := f.svc.DeleteReminder(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if _, err := f.svc.GetReminder(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get deleted = %v", err)
	}
	if _, err := f.svc.UpdateReminder(ctx, r); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update deleted = %v", err)
	}
}

func TestInvalidInputIsNotPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []domain.MedicationReminder{
		{OwnerID: 1, MedicationName: "A", TimeOfDay: "8 o'clock", IsActive: true},
		{OwnerID: 1, MedicationName: "A", TimeOfDay: "08:00", Timezone: "Gotham", IsActive: true},
		{OwnerID: 0, MedicationName: "A", TimeOfDay: "08:00", IsActive: true},
	}
	for _, in := range cases {
		if _, err := f.svc.CreateReminder(ctx, in); !IsValidation(err) {
			t.Fatalf("CreateReminder(%+v) err = %v, want validation error", in, err)
		}
	}
	if list, _ := f.store.ListActiveReminders(ctx); len(list) != 0 {
		t.Fatalf("invalid reminders persisted: %+v", list)
	}
}

func TestRegistrationFailureRemovesRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Stop(ctx)

	_, err := f.svc.CreateReminder(ctx, domain.MedicationReminder{OwnerID: 1, MedicationName: "A", TimeOfDay: "08:00", IsActive: true})
	if !errors.Is(err, jobs.ErrRegistrationFailed) || IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
	if list, _ := f.store.ListActiveReminders(ctx); len(list) != 0 {
		t.Fatalf("row kept after failed scheduling: %+v", list)
	}
}

func TestAppointmentLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateAppointment(ctx, domain.MedicalAppointment{OwnerID: 1, Doctor: "Dr. Rojas", Date: "2026-03-10", Time: "9:30 am", Timezone: "caracas", IsActive: true})
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	if a.Time != "09:30" {
		t.Fatalf("time not normalized: %q", a.Time)
	}
	if got := f.svc.Scheduled(jobs.KindAppointment, a.ID); len(got) != 2 {
		t.Fatalf("scheduled = %v", got)
	}

	a.Date = "2026-03-02"
	a.Time = "11:00"
	if _, err := f.svc.UpdateAppointment(ctx, a); err != nil {
		t.Fatalf("UpdateAppointment: %v", err)
	}
	// 11:00 Caracas is 15:00 UTC; only the 2h alert (13:00 UTC) is still ahead.
	got := f.svc.Scheduled(jobs.KindAppointment, a.ID)
	if len(got) != 1 || got[0] != jobs.AppointmentKey(a.ID, 2*time.Hour).String() {
		t.Fatalf("scheduled after update = %v", got)
	}

	a.Date = "March 2nd"
	if _, err := f.svc.UpdateAppointment(ctx, a); !errors.Is(err, appointment.ErrInvalidDate) {
		t.Fatalf("bad date err = %v", err)
	}

	if err := f.svc.DeleteAppointment(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAppointment: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("jobs left after delete = %d", f.reg.Len())
	}
}

func TestDeleteRacingRecoverLeavesNoJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	const n = 40
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		r, err := f.svc.CreateReminder(ctx, domain.MedicationReminder{OwnerID: 1, MedicationName: "A", TimeOfDay: "08:00", IsActive: true})
		if err != nil {
			t.Fatalf("CreateReminder: %v", err)
		}
		ids = append(ids, r.ID)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if err := f.svc.DeleteReminder(ctx, id); err != nil {
				t.Errorf("DeleteReminder(%d): %v", id, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := f.svc.rem.Recover(ctx); err != nil {
				t.Errorf("Recover: %v", err)
			}
		}
	}()
	wg.Wait()

	if n := f.reg.Len(); n != 0 {
		t.Fatalf("jobs left for deleted reminders = %d", n)
	}
	for _, id := range ids {
		if got := f.svc.Scheduled(jobs.KindReminder, id); len(got) != 0 {
			t.Fatalf("reminder %d still scheduled: %v", id, got)
		}
	}
}
