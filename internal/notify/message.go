package notify

import (
	"fmt"
	"strings"
	"time"

	"medbot/internal/domain"

	"github.com/dustin/go-humanize"
)

// ReminderText is the plain-text body for a medication reminder fire.
func ReminderText(r domain.MedicationReminder) string {
	var b strings.Builder
	b.WriteString("Medication reminder: time to take ")
	b.WriteString(strings.TrimSpace(r.MedicationName))
	if d := strings.TrimSpace(r.Dosage); d != "" {
		b.WriteString(" (")
		b.WriteString(d)
		b.WriteString(")")
	}
	b.WriteString(".")
	return b.String()
}

// AppointmentText is the body for the alert sent offset before eventAt.
// The lead time is rendered from the offset itself, so a fire that runs a
// few milliseconds late still says "2 hours from now".
func AppointmentText(a domain.MedicalAppointment, eventAt time.Time, offset time.Duration) string {
	lead := humanize.RelTime(eventAt.Add(-offset), eventAt, "from now", "ago")
	var b strings.Builder
	fmt.Fprintf(&b, "Appointment reminder: %s", lead)
	if doc := strings.TrimSpace(a.Doctor); doc != "" {
		fmt.Fprintf(&b, " with %s", doc)
	}
	if loc := strings.TrimSpace(a.Location); loc != "" {
		fmt.Fprintf(&b, " at %s", loc)
	}
	fmt.Fprintf(&b, ", %s (%s).", eventAt.Format("Mon 02 Jan 2006 15:04"), eventAt.Location())
	return b.String()
}
