package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"medbot/internal/domain"
	logx "medbot/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `UPDATE reminders SET a=?, b=? WHERE id=?`
	if got := rebind(dialectSQLite, q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	if got := rebind(dialectPostgres, q); got != `UPDATE reminders SET a=$1, b=$2 WHERE id=$3` {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()
	days := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	if s := encodeDays(days); s != "1,3,5" {
		t.Fatalf("encodeDays = %q", s)
	}
	if got, err := decodeDays("1,3,5"); err != nil || !reflect.DeepEqual(got, days) {
		t.Fatalf("decodeDays = %v, %v", got, err)
	}
	if _, err := decodeDays("1,9"); err == nil {
		t.Fatalf("weekday 9 accepted")
	}
	offs := []time.Duration{24 * time.Hour, 2 * time.Hour}
	if got, err := decodeOffsets(encodeOffsets(offs)); err != nil || !reflect.DeepEqual(got, offs) {
		t.Fatalf("offsets = %v, %v", got, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "medbot.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	runStoreSuite(t, st)
}

func TestSQLiteReopenKeepsRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "medbot.db")
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r := &domain.MedicationReminder{OwnerID: 1, MedicationName: "Aspirin", TimeOfDay: "08:00", IsActive: true}
	if err := st.CreateReminder(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.ListActiveReminders(context.Background())
	if err != nil || len(got) != 1 || got[0].MedicationName != "Aspirin" {
		t.Fatalf("after reopen = %+v, %v", got, err)
	}
}

// Set MEDBOT_TEST_POSTGRES_DSN to run against a scratch database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MEDBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEDBOT_TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	s := st.(*sqlStore)
	for _, tbl := range []string{"reminders", "appointments", "deliveries"} {
		if _, err := s.db.Exec("TRUNCATE " + tbl); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
	runStoreSuite(t, st)
}

func runStoreSuite(t *testing.T, st Store) {
	t.Helper()
	defer st.Close()
	ctx := context.Background()

	r := &domain.MedicationReminder{
		OwnerID:        1001,
		MedicationName: "Metformin",
		Dosage:         "500 mg",
		TimeOfDay:      "21:30",
		DaysOfWeek:     []time.Weekday{time.Monday, time.Friday},
		Timezone:       "America/Bogota",
		IsActive:       true,
	}
	if err := st.CreateReminder(ctx, r); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if r.ID == 0 {
		t.Fatalf("reminder id not assigned")
	}
	idle := &domain.MedicationReminder{OwnerID: 1001, MedicationName: "Vitamin D", TimeOfDay: "08:00"}
	if err := st.CreateReminder(ctx, idle); err != nil {
		t.Fatalf("CreateReminder(inactive): %v", err)
	}

	got, err := st.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.MedicationName != "Metformin" || !reflect.DeepEqual(got.DaysOfWeek, r.DaysOfWeek) || got.LastFiredAt != nil {
		t.Fatalf("GetReminder = %+v", got)
	}

	active, err := st.ListActiveReminders(ctx)
	if err != nil || len(active) != 1 || active[0].ID != r.ID {
		t.Fatalf("ListActiveReminders = %+v, %v", active, err)
	}

	fired := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if err := st.RecordFired(ctx, r.ID, fired); err != nil {
		t.Fatalf("RecordFired: %v", err)
	}
	got.Dosage = "850 mg"
	if err := st.UpdateReminder(ctx, got); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}
	got, _ = st.GetReminder(ctx, r.ID)
	if got.Dosage != "850 mg" || got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Fatalf("after update = %+v", got)
	}

	if err := st.UpdateReminder(ctx, domain.MedicationReminder{ID: 9999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing = %v", err)
	}
	if err := st.DeleteReminder(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if _, err := st.GetReminder(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted = %v", err)
	}
	if err := st.DeleteReminder(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice = %v", err)
	}

	a := &domain.MedicalAppointment{
		OwnerID:  1001,
		Doctor:   "Dr. Rojas",
		Location: "Clinica Central",
		Date:     "2026-04-02",
		Time:     "10:00",
		Timezone: "America/Caracas",
		Offsets:  []time.Duration{24 * time.Hour, 2 * time.Hour},
		IsActive: true,
	}
	if err := st.CreateAppointment(ctx, a); err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	ga, err := st.GetAppointment(ctx, a.ID)
	if err != nil || ga.Doctor != "Dr. Rojas" || !reflect.DeepEqual(ga.Offsets, a.Offsets) {
		t.Fatalf("GetAppointment = %+v, %v", ga, err)
	}
	ga.IsActive = false
	if err := st.UpdateAppointment(ctx, ga); err != nil {
		t.Fatalf("UpdateAppointment: %v", err)
	}
	if list, err := st.ListActiveAppointments(ctx); err != nil || len(list) != 0 {
		t.Fatalf("ListActiveAppointments = %+v, %v", list, err)
	}
	if err := st.DeleteAppointment(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAppointment: %v", err)
	}

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	for i, ok := range []bool{true, false, true} {
		d := domain.Delivery{ID: string(rune('a' + i)), OwnerID: 1001, Subject: "reminder:1", OK: ok, At: base.Add(time.Duration(i) * time.Minute), Took: 40 * time.Millisecond}
		if !ok {
			d.Error = "chat not found"
		}
		if err := st.AppendDelivery(ctx, d); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}
	ds, err := st.ListDeliveries(ctx, 2)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(ds) != 2 || ds[0].ID != "c" || ds[1].ID != "b" || ds[1].Error != "chat not found" || ds[0].Took != 40*time.Millisecond {
		t.Fatalf("ListDeliveries = %+v", ds)
	}
}
