package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medbot/internal/domain"
	"medbot/internal/jobs"
	"medbot/internal/notify"
	"medbot/internal/recurrence"
	"medbot/internal/storage"
	"medbot/internal/task/engine"
	"medbot/internal/timezone"
	logx "medbot/pkg/logx"
)

type inlineExec struct{}

func (inlineExec) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

type fakeNotifier struct {
	mu    sync.Mutex
	fail  bool
	texts []string
}

func (f *fakeNotifier) Dispatch(_ context.Context, ownerID int64, text string) notify.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.fail {
		return notify.DeliveryResult{OwnerID: ownerID, Error: "chat not found"}
	}
	return notify.DeliveryResult{OwnerID: ownerID, OK: true}
}

// 2026-03-02 is a Monday.
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, out Notifier, store *storage.Memory) (*Scheduler, *jobs.Registry) {
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
	if store == nil {
		store = storage.NewMemory()
	}
	return New(Config{DefaultTimezone: "America/Bogota"}, reg, tz, out, store, store, logx.Nop()), reg
}

func TestCaracasTwelveHourExample(t *testing.T) {
	t.Parallel()
	s, reg := newTestScheduler(t, &fakeNotifier{}, nil)

	r := domain.MedicationReminder{ID: 1, OwnerID: 9, MedicationName: "Losartan", TimeOfDay: "08:00 AM", Timezone: "Caracas", IsActive: true}
	if err := s.OnCreated(context.Background(), r); err != nil {
		t.Fatalf("OnCreated: %v", err)
	}
	next, ok := reg.Next(jobs.ReminderKey(1))
	if !ok {
		t.Fatalf("no job registered")
	}
	// 08:00 in Caracas (UTC-4) is 12:00 UTC.
	if want := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next.UTC(), want)
	}
}

func TestDefaultTimezoneOnlyWhenEmpty(t *testing.T) {
	t.Parallel()
	s, reg := newTestScheduler(t, &fakeNotifier{}, nil)

	r := domain.MedicationReminder{ID: 2, OwnerID: 9, MedicationName: "Aspirin", TimeOfDay: "09:00", IsActive: true}
	if err := s.OnCreated(context.Background(), r); err != nil {
		t.Fatalf("OnCreated: %v", err)
	}
	next, _ := reg.Next(jobs.ReminderKey(2))
	if want := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s (09:00 Bogota)", next.UTC(), want)
	}

	r.Timezone = "Atlantis/Nowhere"
	if err := s.OnUpdated(context.Background(), r); !errors.Is(err, timezone.ErrInvalidTimezone) {
		t.Fatalf("bad zone err = %v", err)
	}
	// The previous job survives a rejected update.
	if got, _ := reg.Next(jobs.ReminderKey(2)); !got.Equal(next) {
		t.Fatalf("job changed after rejected update: %s", got)
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()
	s, reg := newTestScheduler(t, &fakeNotifier{}, nil)

	bad := domain.MedicationReminder{ID: 3, OwnerID: 9, TimeOfDay: "25:00", IsActive: true}
	if err := s.OnCreated(context.Background(), bad); !errors.Is(err, recurrence.ErrInvalidTimeFormat) {
		t.Fatalf("time err = %v", err)
	}
	bad.TimeOfDay = "08:00"
	bad.DaysOfWeek = []time.Weekday{7}
	if err := s.OnCreated(context.Background(), bad); !errors.Is(err, recurrence.ErrInvalidWeekday) {
		t.Fatalf("weekday err = %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("invalid reminders registered %d jobs", reg.Len())
	}
}

func TestUpdateReplacesAndDeactivateCancels(t *testing.T) {
	t.Parallel()
	s, reg := newTestScheduler(t, &fakeNotifier{}, nil)
	ctx := context.Background()

	r := domain.MedicationReminder{ID: 4, OwnerID: 9, MedicationName: "Metformin", TimeOfDay: "08:00", Timezone: "UTC", IsActive: true}
	for _, hhmm := range []string{"08:00", "09:15", "9:30 pm", "21:45"} {
		r.TimeOfDay = hhmm
		if err := s.OnUpdated(ctx, r); err != nil {
			t.Fatalf("OnUpdated(%s): %v", hhmm, err)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("jobs = %d, want 1", reg.Len())
	}
	next, _ := reg.Next(jobs.ReminderKey(4))
	if next.Hour() != 21 || next.Minute() != 45 {
		t.Fatalf("next = %s, want the last rule", next)
	}

	r.IsActive = false
	if err := s.OnUpdated(ctx, r); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if reg.Exists(jobs.ReminderKey(4)) {
		t.Fatalf("inactive reminder still has a job")
	}
	s.OnDeleted(ctx, 4)
}

func TestFireRecordsOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	out := &fakeNotifier{}
	s, reg := newTestScheduler(t, out, store)
	ctx := context.Background()

	r := domain.MedicationReminder{OwnerID: 9, MedicationName: "Metformin", Dosage: "500 mg", TimeOfDay: "08:00", Timezone: "UTC", IsActive: true}
	if err := store.CreateReminder(ctx, &r); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if err := s.OnCreated(ctx, r); err != nil {
		t.Fatalf("OnCreated: %v", err)
	}
	key := jobs.ReminderKey(r.ID)

	firedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if err := s.fire(ctx, r, key, firedAt); err != nil {
		t.Fatalf("fire: %v", err)
	}
	got, _ := store.GetReminder(ctx, r.ID)
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(firedAt) {
		t.Fatalf("lastFiredAt = %v", got.LastFiredAt)
	}
	if out.texts[0] != "Medication reminder: time to take Metformin (500 mg)." {
		t.Fatalf("text = %q", out.texts[0])
	}

	out.fail = true
	if err := s.fire(ctx, r, key, firedAt.Add(24*time.Hour)); err == nil {
		t.Fatalf("failed dispatch reported success")
	}
	got, _ = store.GetReminder(ctx, r.ID)
	if !got.LastFiredAt.Equal(firedAt) {
		t.Fatalf("lastFiredAt moved on failure: %v", got.LastFiredAt)
	}
	if !reg.Exists(key) {
		t.Fatalf("failed dispatch cancelled the recurring job")
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	seed := []domain.MedicationReminder{
		{OwnerID: 1, MedicationName: "A", TimeOfDay: "08:00", Timezone: "bogota", IsActive: true},
		{OwnerID: 1, MedicationName: "B", TimeOfDay: "08:00 PM", DaysOfWeek: []time.Weekday{1, 3, 5}, IsActive: true},
		{OwnerID: 2, MedicationName: "C", TimeOfDay: "07:00", IsActive: false},
		{OwnerID: 2, MedicationName: "D", TimeOfDay: "noon", IsActive: true},
	}
	for i := range seed {
		if err := store.CreateReminder(ctx, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	s, reg := newTestScheduler(t, &fakeNotifier{}, store)

	for pass := 0; pass < 2; pass++ {
		rep, err := s.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover: %v", err)
		}
		if rep.Loaded != 3 || rep.Scheduled != 2 || len(rep.Failures) != 1 || rep.Failures[0].EntityID != seed[3].ID {
			t.Fatalf("pass %d report = %+v", pass, rep)
		}
		if reg.Len() != 2 {
			t.Fatalf("pass %d jobs = %d, want 2", pass, reg.Len())
		}
	}
}

// listThenMutate returns the active list and then applies mutate to the
// store before Recover gets to any row, the way a concurrent delete or
// deactivation lands between the list and the re-arm.
type listThenMutate struct {
	*storage.Memory
	mutate func(ctx context.Context, list []domain.MedicationReminder)
}

func (l *listThenMutate) ListActiveReminders(ctx context.Context) ([]domain.MedicationReminder, error) {
	list, err := l.Memory.ListActiveReminders(ctx)
	if err == nil && l.mutate != nil {
		l.mutate(ctx, list)
	}
	return list, err
}

func TestRecoverDoesNotRearmRowsChangedAfterListing(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	s, reg := newTestScheduler(t, &fakeNotifier{}, store)

	seed := []domain.MedicationReminder{
		{OwnerID: 1, MedicationName: "A", TimeOfDay: "08:00", Timezone: "UTC", IsActive: true},
		{OwnerID: 1, MedicationName: "B", TimeOfDay: "09:00", Timezone: "UTC", IsActive: true},
		{OwnerID: 1, MedicationName: "C", TimeOfDay: "10:00", Timezone: "UTC", IsActive: true},
	}
	for i := range seed {
		if err := store.CreateReminder(ctx, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := s.OnCreated(ctx, seed[i]); err != nil {
			t.Fatalf("OnCreated: %v", err)
		}
	}

	deleted, deactivated, kept := seed[0], seed[1], seed[2]
	s.src = &listThenMutate{Memory: store, mutate: func(ctx context.Context, _ []domain.MedicationReminder) {
		if err := store.DeleteReminder(ctx, deleted.ID); err != nil {
			t.Errorf("delete: %v", err)
		}
		s.OnDeleted(ctx, deleted.ID)

		off := deactivated
		off.IsActive = false
		if err := store.UpdateReminder(ctx, off); err != nil {
			t.Errorf("deactivate: %v", err)
		}
		if err := s.OnUpdated(ctx, off); err != nil {
			t.Errorf("OnUpdated: %v", err)
		}
	}}

	rep, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Loaded != 3 || rep.Scheduled != 1 || rep.Skipped != 2 || len(rep.Failures) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if reg.Exists(jobs.ReminderKey(deleted.ID)) {
		t.Fatalf("deleted reminder %d has a live job after Recover", deleted.ID)
	}
	if reg.Exists(jobs.ReminderKey(deactivated.ID)) {
		t.Fatalf("deactivated reminder %d has a live job after Recover", deactivated.ID)
	}
	if !reg.Exists(jobs.ReminderKey(kept.ID)) || reg.Len() != 1 {
		t.Fatalf("jobs = %d, want only reminder %d", reg.Len(), kept.ID)
	}
}
