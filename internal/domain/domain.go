// Package domain holds the records the scheduling core reads. Their storage
// belongs to the records service; schedulers only derive triggers from them.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidDate = errors.New("invalid date")

// MedicationReminder is a recurring subject.
type MedicationReminder struct {
	ID             int64          `json:"id"`
	OwnerID        int64          `json:"owner_id"`
	MedicationName string         `json:"medication_name"`
	Dosage         string         `json:"dosage"`
	TimeOfDay      string         `json:"time_of_day"`
	DaysOfWeek     []time.Weekday `json:"days_of_week"`
	Timezone       string         `json:"timezone"`
	IsActive       bool           `json:"is_active"`
	LastFiredAt    *time.Time     `json:"last_fired_at,omitempty"`
}

// MedicalAppointment is a one-shot subject with several lead-time alerts.
type MedicalAppointment struct {
	ID       int64  `json:"id"`
	OwnerID  int64  `json:"owner_id"`
	Doctor   string `json:"doctor"`
	Location string `json:"location"`
	// Date is YYYY-MM-DD and Time is HH:MM, both wall clock in Timezone.
	Date     string `json:"date"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	// Offsets overrides the configured lead times when non-empty.
	Offsets  []time.Duration `json:"offsets,omitempty"`
	IsActive bool            `json:"is_active"`
}

// EventInstant composes Date and a canonical HH:MM in loc. Nonexistent wall
// times (DST gaps) are normalized forward by the time package.
func (a MedicalAppointment) EventInstant(hhmm string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(a.Date)+" "+hhmm, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q", ErrInvalidDate, a.Date, hhmm)
	}
	return d, nil
}

// Delivery is the outcome of one outbound send.
type Delivery struct {
	ID        string        `json:"id"`
	OwnerID   int64         `json:"owner_id"`
	Subject   string        `json:"subject,omitempty"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	MessageID int           `json:"message_id,omitempty"`
}
