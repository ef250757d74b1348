package storage

import (
	"context"
	"errors"
	"time"

	"medbot/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": embedded database file at Path
//   - "postgres": server database reached through DSN
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists the records the schedulers read and the delivery log.
type Store interface {
	CreateReminder(ctx context.Context, r *domain.MedicationReminder) error
	UpdateReminder(ctx context.Context, r domain.MedicationReminder) error
	GetReminder(ctx context.Context, id int64) (domain.MedicationReminder, error)
	DeleteReminder(ctx context.Context, id int64) error
	ListActiveReminders(ctx context.Context) ([]domain.MedicationReminder, error)
	RecordFired(ctx context.Context, id int64, at time.Time) error

	CreateAppointment(ctx context.Context, a *domain.MedicalAppointment) error
	UpdateAppointment(ctx context.Context, a domain.MedicalAppointment) error
	GetAppointment(ctx context.Context, id int64) (domain.MedicalAppointment, error)
	DeleteAppointment(ctx context.Context, id int64) error
	ListActiveAppointments(ctx context.Context) ([]domain.MedicalAppointment, error)

	AppendDelivery(ctx context.Context, d domain.Delivery) error
	// ListDeliveries returns the newest limit rows, newest first.
	ListDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error)

	Close() error
}
