package model

import (
	"errors"
	"time"
)

// Tag records where an EventInstance came from.
type Tag string

const (
	TagImported  Tag = "imported"
	TagAutoAdded Tag = "auto-added"
)

// Descriptor represents a single VEVENT before recurrence expansion.
// A recurring VEVENT yields exactly one Descriptor.
type Descriptor struct {
	UID string

	// Summary is the raw SUMMARY value; Title already carries the location
	// suffix ("<summary> (<location>)") when a LOCATION is present.
	Summary  string
	Title    string
	Location *string

	Start time.Time
	End   time.Time

	// RRule is the raw RRULE value, uninterpreted. Empty if not recurring.
	RRule string
}

// Duration returns End - Start.
func (d Descriptor) Duration() time.Duration {
	return d.End.Sub(d.Start)
}

// Recurring reports whether the descriptor carries an RRULE.
func (d Descriptor) Recurring() bool {
	return d.RRule != ""
}

// EventInstance is a single concrete occurrence on the schedule.
type EventInstance struct {
	// SourceID is the iCalendar UID for imported instances or the
	// candidate ID for auto-added ones.
	SourceID string

	Title    string
	Location *string

	Start time.Time
	End   time.Time

	Tag Tag
}

// Overlaps reports whether the half-open intervals [i.Start, i.End) and
// [o.Start, o.End) intersect. Touching endpoints do not overlap.
func (i EventInstance) Overlaps(o EventInstance) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Window bounds which occurrences are materialized.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window of the given length starting at start.
func NewWindow(start time.Time, length time.Duration) Window {
	return Window{Start: start, End: start.Add(length)}
}

// Validate checks End > Start.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("window: start and end are required")
	}
	if !w.End.After(w.Start) {
		return errors.New("window: end must be after start")
	}
	return nil
}

// CandidateEvent is an externally sourced event proposal that has not yet
// been reconciled against a schedule.
type CandidateEvent struct {
	ID           string
	Title        string
	Start        time.Time
	Theme        string
	Location     string
	Organization string
}

// Record is the serialized, consumer-facing view of an EventInstance.
// Start and End are RFC 3339 timestamps in UTC.
type Record struct {
	SourceID string  `json:"source_id,omitempty"`
	Title    string  `json:"title"`
	Start    string  `json:"start"`
	End      string  `json:"end"`
	Location *string `json:"location"`
	Tag      Tag     `json:"tag"`
}
