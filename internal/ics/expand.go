package ics

import (
	"errors"
	"time"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Boundary selects how window bounds are applied.
type Boundary int

const (
	// BoundaryObserved keeps a non-recurring event only if it lies fully
	// inside [Start, End], while recurring occurrences are kept when their
	// start falls within [Start, End] (both ends inclusive).
	BoundaryObserved Boundary = iota

	// BoundaryHalfOpen keeps any instance, recurring or not, whose start
	// falls within [Start, End).
	BoundaryHalfOpen
)

// ParseBoundary maps a config value to a Boundary. Unknown values yield
// BoundaryObserved.
func ParseBoundary(s string) Boundary {
	if s == "half_open" {
		return BoundaryHalfOpen
	}
	return BoundaryObserved
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	Window   model.Window
	Boundary Boundary

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded instances and what was dropped on the way.
type ExpandResult struct {
	Instances   []model.EventInstance
	Diagnostics []Diagnostic
	// Truncated records UIDs that hit the MaxOccurrencesPerEvent cap.
	Truncated []string
}

// Expand turns descriptors into concrete instances within cfg.Window.
//
//   - Non-recurring descriptors pass through when inside the window.
//   - Recurring descriptors are expanded from their own start as anchor;
//     every occurrence keeps the descriptor's duration.
//   - A descriptor with an unusable RRULE is skipped with a diagnostic.
//
// Instances are tagged model.TagImported; their order is unspecified.
func Expand(descs []model.Descriptor, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if err := cfg.Window.Validate(); err != nil {
		return result, err
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	instances := make([]model.EventInstance, 0, len(descs))
	for _, d := range descs {
		if !d.Recurring() {
			if inWindow(d.Start, d.End, cfg) {
				instances = append(instances, makeInstance(d, d.Start, d.End))
			}
			continue
		}

		occ, hitCap, err := expandRecurring(d, cfg)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{UID: d.UID, Err: err})
			appLog.Warn("expand: descriptor skipped", err, "uid", d.UID, "rrule", d.RRule)
			continue
		}
		if hitCap {
			result.Truncated = append(result.Truncated, d.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", d.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		instances = append(instances, occ...)
	}

	result.Instances = instances
	appLog.Debug("expand completed",
		"descriptors", len(descs),
		"instances", len(instances),
		"skipped", len(result.Diagnostics),
	)
	return result, nil
}

func expandRecurring(d model.Descriptor, cfg ExpandConfig) ([]model.EventInstance, bool, error) {
	rule, err := ParseRule(d.RRule)
	if err != nil {
		return nil, false, err
	}

	starts, err := rule.Between(d.Start, cfg.Window.Start, cfg.Window.End)
	if err != nil {
		return nil, false, err
	}

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := d.Duration()
	out := make([]model.EventInstance, 0, len(starts))
	for _, s := range starts {
		if cfg.Boundary == BoundaryHalfOpen && !s.Before(cfg.Window.End) {
			continue
		}
		out = append(out, makeInstance(d, s, s.Add(dur)))
	}
	return out, hitCap, nil
}

func inWindow(start, end time.Time, cfg ExpandConfig) bool {
	w := cfg.Window
	if start.Before(w.Start) {
		return false
	}
	if cfg.Boundary == BoundaryHalfOpen {
		return start.Before(w.End)
	}
	return !end.After(w.End)
}

func makeInstance(d model.Descriptor, start, end time.Time) model.EventInstance {
	return model.EventInstance{
		SourceID: d.UID,
		Title:    d.Title,
		Location: d.Location,
		Start:    start,
		End:      end,
		Tag:      model.TagImported,
	}
}
