package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medbot/internal/recurrence"
	"medbot/internal/task/engine"
	logx "medbot/pkg/logx"
)

// inlineExec runs fires on the calling goroutine.
type inlineExec struct{}

func (inlineExec) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, inlineExec{}, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func daily(t *testing.T, hhmm string) recurrence.Rule {
	t.Helper()
	rule, err := recurrence.BuildRule(hhmm, nil)
	if err != nil {
		t.Fatalf("BuildRule: %v", err)
	}
	return rule
}

func noopFire(context.Context, Key, time.Time) error { return nil }

func TestKeyString(t *testing.T) {
	t.Parallel()
	if got := ReminderKey(42).String(); got != "reminder:42" {
		t.Fatalf("reminder key = %q", got)
	}
	if got := AppointmentKey(7, 2*time.Hour).String(); got != "appointment:7:2h0m0s" {
		t.Fatalf("appointment key = %q", got)
	}
	if ReminderKey(1) == AppointmentKey(1, 0) {
		t.Fatalf("keys of different kinds must differ")
	}
}

func TestConcurrentReplaceLeavesOneEntry(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	key := ReminderKey(1)
	rules := []recurrence.Rule{daily(t, "08:00"), daily(t, "09:30"), daily(t, "21:15")}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Register(key, Recurring(rules[i%len(rules)], time.UTC), noopFire); err != nil {
				t.Errorf("Register: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n := r.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	if n := len(r.c.Entries()); n != 1 {
		t.Fatalf("cron entries = %d, want 1", n)
	}
}

func TestOneShotFiresOnceAndSelfRemoves(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	key := AppointmentKey(3, time.Hour)

	var calls atomic.Int32
	fired := make(chan time.Time, 4)
	err := r.Register(key, At(time.Now().Add(30*time.Millisecond), time.UTC), func(_ context.Context, k Key, at time.Time) error {
		if k != key {
			t.Errorf("fired key = %v, want %v", k, key)
		}
		calls.Add(1)
		fired <- at
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("one-shot did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	if r.Exists(key) {
		t.Fatalf("one-shot still registered after firing")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
}

func TestReplacedOneShotDoesNotFire(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	key := AppointmentKey(4, 2*time.Hour)

	var stale atomic.Bool
	if err := r.Register(key, At(time.Now().Add(20*time.Millisecond), time.UTC), func(context.Context, Key, time.Time) error {
		stale.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(key, At(time.Now().Add(time.Hour), time.UTC), noopFire); err != nil {
		t.Fatalf("Register replace: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if stale.Load() {
		t.Fatalf("replaced trigger fired")
	}
	if !r.Exists(key) {
		t.Fatalf("replacement missing")
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	key := ReminderKey(9)

	var old, cur atomic.Int32
	if err := r.Register(key, Recurring(daily(t, "08:00"), time.UTC), func(context.Context, Key, time.Time) error {
		old.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.mu.Lock()
	oldGen := r.entries[key].gen
	r.mu.Unlock()

	if err := r.Register(key, Recurring(daily(t, "09:00"), time.UTC), func(context.Context, Key, time.Time) error {
		cur.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.mu.Lock()
	newGen := r.entries[key].gen
	r.mu.Unlock()

	r.trigger(key, oldGen)
	r.trigger(key, newGen)

	if old.Load() != 0 {
		t.Fatalf("stale generation fired")
	}
	if cur.Load() != 1 {
		t.Fatalf("current generation fired %d times, want 1", cur.Load())
	}
	if !r.Exists(key) {
		t.Fatalf("recurring job removed after fire")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	key := ReminderKey(5)
	if r.Cancel(key) {
		t.Fatalf("cancel of unknown key reported true")
	}
	if err := r.Register(key, Recurring(daily(t, "10:00"), time.UTC), noopFire); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Cancel(key) {
		t.Fatalf("cancel of live key reported false")
	}
	if r.Cancel(key) || r.Exists(key) {
		t.Fatalf("second cancel should be a no-op")
	}
	if n := len(r.c.Entries()); n != 0 {
		t.Fatalf("cron entries = %d after cancel", n)
	}
}

func TestCancelEntity(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	at := time.Now().Add(time.Hour)
	for _, k := range []Key{AppointmentKey(1, 24*time.Hour), AppointmentKey(1, 2*time.Hour), AppointmentKey(2, 2*time.Hour)} {
		if err := r.Register(k, At(at.Add(k.Offset), time.UTC), noopFire); err != nil {
			t.Fatalf("Register %s: %v", k, err)
		}
	}
	if got := r.Keys(KindAppointment, 1); len(got) != 2 || got[0].Offset != 2*time.Hour {
		t.Fatalf("Keys = %v", got)
	}
	if n := r.CancelEntity(KindAppointment, 1); n != 2 {
		t.Fatalf("CancelEntity = %d, want 2", n)
	}
	if r.Len() != 1 || !r.Exists(AppointmentKey(2, 2*time.Hour)) {
		t.Fatalf("unrelated appointment affected")
	}
}

func TestRegisterRejects(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{MaxJobs: 1})

	err := r.Register(AppointmentKey(1, time.Hour), At(time.Now().Add(-time.Minute), time.UTC), noopFire)
	if !errors.Is(err, ErrPastInstant) || !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("past instant err = %v", err)
	}
	if err := r.Register(ReminderKey(1), Trigger{}, noopFire); errors.Is(err, ErrPastInstant) {
		t.Fatalf("empty trigger reported as past instant: %v", err)
	}
	if err := r.Register(Key{Kind: KindReminder, EntityID: 1, Offset: time.Hour}, Recurring(daily(t, "08:00"), time.UTC), noopFire); !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("bad key err = %v", err)
	}
	if err := r.Register(ReminderKey(1), Trigger{}, noopFire); !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("empty trigger err = %v", err)
	}
	if err := r.Register(ReminderKey(1), Recurring(daily(t, "08:00"), time.UTC), noopFire); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(ReminderKey(2), Recurring(daily(t, "08:00"), time.UTC), noopFire); !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("max jobs err = %v", err)
	}
	// Replacing an existing key is allowed at the cap.
	if err := r.Register(ReminderKey(1), Recurring(daily(t, "09:00"), time.UTC), noopFire); err != nil {
		t.Fatalf("replace at cap: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	if r.Len() != 0 {
		t.Fatalf("Stop left %d entries", r.Len())
	}
	if err := r.Register(ReminderKey(1), Recurring(daily(t, "08:00"), time.UTC), noopFire); !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("stopped registry err = %v", err)
	}
}

func TestNextUsesTriggerLocation(t *testing.T) {
	t.Parallel()
	bogota, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := newTestRegistry(t, Config{})
	r.Now = func() time.Time { return time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC) }

	key := ReminderKey(11)
	if err := r.Register(key, Recurring(daily(t, "09:00"), bogota), noopFire); err != nil {
		t.Fatalf("Register: %v", err)
	}
	next, ok := r.Next(key)
	if !ok {
		t.Fatalf("Next: key missing")
	}
	if want := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next.UTC(), want)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Key != "reminder:11" || !snap[0].Next.Equal(next) {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

func TestLockEntitySerializesPerEntity(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})

	unlock := r.LockEntity(KindReminder, 1)

	// Another entity, and the same id of another kind, are not blocked.
	other := r.LockEntity(KindReminder, 2)
	other()
	appt := r.LockEntity(KindAppointment, 1)
	appt()

	acquired := make(chan struct{})
	go func() {
		u := r.LockEntity(KindReminder, 1)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired a held entity lock")
	case <-time.After(50 * time.Millisecond):
	}

	// Register and Cancel do not need the entity lock.
	if err := r.Register(ReminderKey(1), Recurring(daily(t, "08:00"), time.UTC), noopFire); err != nil {
		t.Fatalf("Register under entity lock: %v", err)
	}
	r.Cancel(ReminderKey(1))

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter never acquired the released lock")
	}

	deadline := time.Now().Add(time.Second)
	for r.elocks.len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entity locks not released: %d", r.elocks.len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
