package jobs

import (
	"fmt"
	"strings"
)

// RecoveryFailure names one record that could not be rescheduled.
type RecoveryFailure struct {
	EntityID int64  `json:"entity_id"`
	Error    string `json:"error"`
}

// RecoveryReport summarizes a startup (or reload) pass over persisted records.
type RecoveryReport struct {
	Kind      string            `json:"kind"`
	Loaded    int               `json:"loaded"`
	Scheduled int               `json:"scheduled"`
	// Skipped counts listed records that were deleted or deactivated
	// before they could be re-armed.
	Skipped   int               `json:"skipped,omitempty"`
	Jobs      int               `json:"jobs"`
	Failures  []RecoveryFailure `json:"failures,omitempty"`
}

func (r *RecoveryReport) Fail(id int64, err error) {
	r.Failures = append(r.Failures, RecoveryFailure{EntityID: id, Error: err.Error()})
}

func (r RecoveryReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: loaded=%d scheduled=%d skipped=%d jobs=%d failed=%d", r.Kind, r.Loaded, r.Scheduled, r.Skipped, r.Jobs, len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n  %d: %s", f.EntityID, f.Error)
	}
	return b.String()
}
