package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medbot/internal/domain"
	logx "medbot/pkg/logx"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// sqlStore is shared by the sqlite and postgres drivers. Queries are written
// with ? placeholders and rebound for the dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) rebind(q string) string {
	return rebind(s.dialect, q)
}

func rebind(d dialect, q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) insertID(ctx context.Context, q string, args ...any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const reminderCols = `id, owner_id, medication_name, dosage, time_of_day, days_of_week, timezone, is_active, last_fired_at`

func (s *sqlStore) CreateReminder(ctx context.Context, r *domain.MedicationReminder) error {
	id, err := s.insertID(ctx,
		`INSERT INTO reminders(owner_id, medication_name, dosage, time_of_day, days_of_week, timezone, is_active, last_fired_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.OwnerID, r.MedicationName, r.Dosage, r.TimeOfDay, encodeDays(r.DaysOfWeek), r.Timezone, r.IsActive, nullMillis(r.LastFiredAt),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	r.ID = id
	return nil
}

func (s *sqlStore) UpdateReminder(ctx context.Context, r domain.MedicationReminder) error {
	return s.execOne(ctx,
		`UPDATE reminders SET owner_id=?, medication_name=?, dosage=?, time_of_day=?, days_of_week=?, timezone=?, is_active=?
		 WHERE id=?`,
		r.OwnerID, r.MedicationName, r.Dosage, r.TimeOfDay, encodeDays(r.DaysOfWeek), r.Timezone, r.IsActive, r.ID,
	)
}

func (s *sqlStore) GetReminder(ctx context.Context, id int64) (domain.MedicationReminder, error) {
	if s == nil || s.db == nil {
		return domain.MedicationReminder{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+reminderCols+` FROM reminders WHERE id=?`), id)
	r, err := scanReminder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) DeleteReminder(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM reminders WHERE id=?`, id)
}

func (s *sqlStore) ListActiveReminders(ctx context.Context) ([]domain.MedicationReminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+reminderCols+` FROM reminders WHERE is_active=? ORDER BY id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MedicationReminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordFired(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, `UPDATE reminders SET last_fired_at=? WHERE id=?`, millis(at), id)
}

func scanReminder(scan func(dest ...any) error) (domain.MedicationReminder, error) {
	var (
		r     domain.MedicationReminder
		days  string
		fired sql.NullInt64
	)
	if err := scan(&r.ID, &r.OwnerID, &r.MedicationName, &r.Dosage, &r.TimeOfDay, &days, &r.Timezone, &r.IsActive, &fired); err != nil {
		return r, err
	}
	d, err := decodeDays(days)
	if err != nil {
		return r, fmt.Errorf("reminder %d: %w", r.ID, err)
	}
	r.DaysOfWeek = d
	if fired.Valid {
		t := fromMillis(fired.Int64)
		r.LastFiredAt = &t
	}
	return r, nil
}

const appointmentCols = `id, owner_id, doctor, location, event_date, event_time, timezone, offsets, is_active`

func (s *sqlStore) CreateAppointment(ctx context.Context, a *domain.MedicalAppointment) error {
	id, err := s.insertID(ctx,
		`INSERT INTO appointments(owner_id, doctor, location, event_date, event_time, timezone, offsets, is_active)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.OwnerID, a.Doctor, a.Location, a.Date, a.Time, a.Timezone, encodeOffsets(a.Offsets), a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	a.ID = id
	return nil
}

func (s *sqlStore) UpdateAppointment(ctx context.Context, a domain.MedicalAppointment) error {
	return s.execOne(ctx,
		`UPDATE appointments SET owner_id=?, doctor=?, location=?, event_date=?, event_time=?, timezone=?, offsets=?, is_active=?
		 WHERE id=?`,
		a.OwnerID, a.Doctor, a.Location, a.Date, a.Time, a.Timezone, encodeOffsets(a.Offsets), a.IsActive, a.ID,
	)
}

func (s *sqlStore) GetAppointment(ctx context.Context, id int64) (domain.MedicalAppointment, error) {
	if s == nil || s.db == nil {
		return domain.MedicalAppointment{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+appointmentCols+` FROM appointments WHERE id=?`), id)
	a, err := scanAppointment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) DeleteAppointment(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM appointments WHERE id=?`, id)
}

func (s *sqlStore) ListActiveAppointments(ctx context.Context) ([]domain.MedicalAppointment, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+appointmentCols+` FROM appointments WHERE is_active=? ORDER BY id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MedicalAppointment
	for rows.Next() {
		a, err := scanAppointment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAppointment(scan func(dest ...any) error) (domain.MedicalAppointment, error) {
	var (
		a    domain.MedicalAppointment
		offs string
	)
	if err := scan(&a.ID, &a.OwnerID, &a.Doctor, &a.Location, &a.Date, &a.Time, &a.Timezone, &offs, &a.IsActive); err != nil {
		return a, err
	}
	o, err := decodeOffsets(offs)
	if err != nil {
		return a, fmt.Errorf("appointment %d: %w", a.ID, err)
	}
	a.Offsets = o
	return a, nil
}

func (s *sqlStore) AppendDelivery(ctx context.Context, d domain.Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO deliveries(id, owner_id, subject, ok, err, at, took_ms, message_id)
		 VALUES(?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerID, d.Subject, d.OK, nullStr(d.Error), millis(d.At), d.Took.Milliseconds(), d.MessageID,
	)
	return err
}

func (s *sqlStore) ListDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, owner_id, subject, ok, err, at, took_ms, message_id
		 FROM deliveries ORDER BY at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var (
			d      domain.Delivery
			errStr sql.NullString
			at     int64
			took   int64
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Subject, &d.OK, &errStr, &at, &took, &d.MessageID); err != nil {
			return nil, err
		}
		d.Error = errStr.String
		d.At = fromMillis(at)
		d.Took = time.Duration(took) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return millis(*t)
}
