package jobs

import (
	"fmt"
	"time"

	"medbot/internal/recurrence"
)

// Kind tags which entity family a job belongs to.
type Kind uint8

const (
	KindReminder Kind = iota + 1
	KindAppointment
)

func (k Kind) String() string {
	switch k {
	case KindReminder:
		return "reminder"
	case KindAppointment:
		return "appointment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies a schedulable trigger. It is comparable and used directly
// as a map key; Offset is zero for reminders.
type Key struct {
	Kind     Kind
	EntityID int64
	Offset   time.Duration
}

func ReminderKey(id int64) Key { return Key{Kind: KindReminder, EntityID: id} }

func AppointmentKey(id int64, offset time.Duration) Key {
	return Key{Kind: KindAppointment, EntityID: id, Offset: offset}
}

func (k Key) String() string {
	if k.Kind == KindAppointment {
		return fmt.Sprintf("%s:%d:%s", k.Kind, k.EntityID, k.Offset)
	}
	return fmt.Sprintf("%s:%d", k.Kind, k.EntityID)
}

func (k Key) valid() bool {
	switch k.Kind {
	case KindReminder:
		return k.Offset == 0
	case KindAppointment:
		return k.Offset >= 0
	default:
		return false
	}
}

type triggerKind uint8

const (
	triggerRecurring triggerKind = iota + 1
	triggerAt
)

// Trigger describes when a job fires: a recurrence rule in a location, or a
// single instant.
type Trigger struct {
	kind triggerKind
	rule recurrence.Rule
	at   time.Time
	loc  *time.Location
}

// Recurring fires on every occurrence of rule, interpreted in loc.
func Recurring(rule recurrence.Rule, loc *time.Location) Trigger {
	return Trigger{kind: triggerRecurring, rule: rule, loc: loc}
}

// At fires once at instant t. loc only affects how the instant is reported.
func At(t time.Time, loc *time.Location) Trigger {
	return Trigger{kind: triggerAt, at: t, loc: loc}
}

func (t Trigger) OneShot() bool { return t.kind == triggerAt }

func (t Trigger) Location() *time.Location {
	if t.loc == nil {
		return time.UTC
	}
	return t.loc
}

func (t Trigger) String() string {
	switch t.kind {
	case triggerRecurring:
		return t.rule.String() + " " + t.Location().String()
	case triggerAt:
		return "once at " + t.at.In(t.Location()).Format(time.RFC3339)
	default:
		return "invalid"
	}
}
