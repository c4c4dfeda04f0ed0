// Package merge reconciles externally sourced candidate events with an
// existing schedule.
package merge

import (
	"errors"
	"time"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

var ErrInvalidDuration = errors.New("merge: candidate duration must be positive")

// Strategy selects what accepted candidates are tested against.
type Strategy int

const (
	// AgainstExisting tests every candidate against the original existing
	// schedule only. Two accepted candidates may overlap each other.
	AgainstExisting Strategy = iota

	// Incremental folds each accepted candidate into the set later
	// candidates are tested against, so the result is pairwise
	// non-overlapping among auto-added events too.
	Incremental
)

// Options tunes Merge.
type Options struct {
	Strategy Strategy
}

// Stats reports how many candidates were accepted and dropped.
type Stats struct {
	Added   int
	Dropped int
}

// Compatible reports whether c overlaps none of existing. Intervals are
// half-open, so touching endpoints are compatible.
func Compatible(c model.EventInstance, existing []model.EventInstance) bool {
	for _, e := range existing {
		if c.Overlaps(e) {
			return false
		}
	}
	return true
}

// Merge appends every candidate compatible with existing to a copy of
// existing, tagged model.TagAutoAdded. Candidate ends are synthesized as
// start + duration. Incompatible candidates are dropped without error.
// Neither input slice is modified.
func Merge(existing []model.EventInstance, candidates []model.CandidateEvent, duration time.Duration, opts Options) ([]model.EventInstance, Stats, error) {
	var stats Stats
	if duration <= 0 {
		return nil, stats, ErrInvalidDuration
	}

	out := make([]model.EventInstance, len(existing), len(existing)+len(candidates))
	copy(out, existing)

	against := existing
	for _, c := range candidates {
		inst := FromCandidate(c, duration)
		if !Compatible(inst, against) {
			stats.Dropped++
			appLog.Debug("merge: candidate overlaps schedule", "id", c.ID, "start", c.Start)
			continue
		}
		out = append(out, inst)
		stats.Added++
		if opts.Strategy == Incremental {
			against = out
		}
	}

	appLog.Debug("merge completed", "existing", len(existing), "added", stats.Added, "dropped", stats.Dropped)
	return out, stats, nil
}

// FromCandidate converts a candidate into an auto-added instance lasting
// duration. A non-empty location is appended to the title the same way the
// calendar parser does it.
func FromCandidate(c model.CandidateEvent, duration time.Duration) model.EventInstance {
	inst := model.EventInstance{
		SourceID: c.ID,
		Title:    c.Title,
		Start:    c.Start,
		End:      c.Start.Add(duration),
		Tag:      model.TagAutoAdded,
	}
	if c.Location != "" {
		loc := c.Location
		inst.Location = &loc
		inst.Title = c.Title + " (" + loc + ")"
	}
	return inst
}
