package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"medbot/internal/domain"
)

// Memory is a process-local Store. It copies on the way in and out so
// callers never share slices with it.
type Memory struct {
	mu           sync.Mutex
	seq          int64
	reminders    map[int64]domain.MedicationReminder
	appointments map[int64]domain.MedicalAppointment
	deliveries   []domain.Delivery
	closed       bool
}

func NewMemory() *Memory {
	return &Memory{
		reminders:    make(map[int64]domain.MedicationReminder),
		appointments: make(map[int64]domain.MedicalAppointment),
	}
}

func cloneReminder(r domain.MedicationReminder) domain.MedicationReminder {
	r.DaysOfWeek = append([]time.Weekday(nil), r.DaysOfWeek...)
	if len(r.DaysOfWeek) == 0 {
		r.DaysOfWeek = nil
	}
	if r.LastFiredAt != nil {
		t := r.LastFiredAt.UTC()
		r.LastFiredAt = &t
	}
	return r
}

func cloneAppointment(a domain.MedicalAppointment) domain.MedicalAppointment {
	a.Offsets = append([]time.Duration(nil), a.Offsets...)
	if len(a.Offsets) == 0 {
		a.Offsets = nil
	}
	return a
}

func (m *Memory) CreateReminder(_ context.Context, r *domain.MedicationReminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	r.ID = m.seq
	m.reminders[r.ID] = cloneReminder(*r)
	return nil
}

func (m *Memory) UpdateReminder(_ context.Context, r domain.MedicationReminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.reminders[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.LastFiredAt = old.LastFiredAt
	m.reminders[r.ID] = cloneReminder(r)
	return nil
}

func (m *Memory) GetReminder(_ context.Context, id int64) (domain.MedicationReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return domain.MedicationReminder{}, ErrNotFound
	}
	return cloneReminder(r), nil
}

func (m *Memory) DeleteReminder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[id]; !ok {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *Memory) ListActiveReminders(context.Context) ([]domain.MedicationReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MedicationReminder
	for _, r := range m.reminders {
		if r.IsActive {
			out = append(out, cloneReminder(r))
		}
	}
	sortByID(out, func(r domain.MedicationReminder) int64 { return r.ID })
	return out, nil
}

func (m *Memory) RecordFired(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	t := fromMillis(millis(at))
	r.LastFiredAt = &t
	m.reminders[id] = r
	return nil
}

func (m *Memory) CreateAppointment(_ context.Context, a *domain.MedicalAppointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	a.ID = m.seq
	m.appointments[a.ID] = cloneAppointment(*a)
	return nil
}

func (m *Memory) UpdateAppointment(_ context.Context, a domain.MedicalAppointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.appointments[a.ID]; !ok {
		return ErrNotFound
	}
	m.appointments[a.ID] = cloneAppointment(a)
	return nil
}

func (m *Memory) GetAppointment(_ context.Context, id int64) (domain.MedicalAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return domain.MedicalAppointment{}, ErrNotFound
	}
	return cloneAppointment(a), nil
}

func (m *Memory) DeleteAppointment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[id]; !ok {
		return ErrNotFound
	}
	delete(m.appointments, id)
	return nil
}

func (m *Memory) ListActiveAppointments(context.Context) ([]domain.MedicalAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MedicalAppointment
	for _, a := range m.appointments {
		if a.IsActive {
			out = append(out, cloneAppointment(a))
		}
	}
	sortByID(out, func(a domain.MedicalAppointment) int64 { return a.ID })
	return out, nil
}

func (m *Memory) AppendDelivery(_ context.Context, d domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	d.At = fromMillis(millis(d.At))
	d.Took = d.Took.Truncate(time.Millisecond)
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, limit int) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := append([]domain.Delivery(nil), m.deliveries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID > out[j].ID
		}
		return out[i].At.After(out[j].At)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
