// Package pipeline wires the parser, expander, merger and normalizer into
// the two straight-line flows callers use: importing a calendar and
// reconciling candidates into a schedule. Both are pure given their inputs.
package pipeline

import (
	"time"

	"calmerge/internal/ics"
	"calmerge/internal/merge"
	"calmerge/internal/model"
	"calmerge/internal/normalize"
)

// ImportOptions configures Import.
type ImportOptions struct {
	Window   model.Window
	Boundary ics.Boundary
	// Location interprets floating times in the input. Nil means UTC.
	Location       *time.Location
	MaxOccurrences int
}

// Result is the outcome of Import or Reconcile. Instances are sorted by
// start; Records is their serialized form.
type Result struct {
	Instances   []model.EventInstance
	Records     []model.Record
	Diagnostics []ics.Diagnostic
	Truncated   []string
	Merge       merge.Stats
}

// Import parses body, expands it over the window and sorts the result.
// A payload that cannot be parsed returns an error wrapping
// ics.ErrMalformedInput and an empty Result.
func Import(body []byte, opts ImportOptions) (Result, error) {
	parsed, err := ics.Parse(body, ics.ParseOptions{Location: opts.Location})
	if err != nil {
		return Result{}, err
	}

	expanded, err := ics.Expand(parsed.Descriptors, ics.ExpandConfig{
		Window:                 opts.Window,
		Boundary:               opts.Boundary,
		MaxOccurrencesPerEvent: opts.MaxOccurrences,
	})
	if err != nil {
		return Result{}, err
	}

	sorted := normalize.Sort(expanded.Instances)
	return Result{
		Instances:   sorted,
		Records:     normalize.Records(sorted),
		Diagnostics: append(parsed.Diagnostics, expanded.Diagnostics...),
		Truncated:   expanded.Truncated,
	}, nil
}

// ReconcileOptions configures Reconcile.
type ReconcileOptions struct {
	CandidateDuration time.Duration
	Strategy          merge.Strategy
}

// Reconcile merges candidates into existing and sorts the combined schedule.
// existing is not modified.
func Reconcile(existing []model.EventInstance, candidates []model.CandidateEvent, opts ReconcileOptions) (Result, error) {
	merged, stats, err := merge.Merge(existing, candidates, opts.CandidateDuration, merge.Options{Strategy: opts.Strategy})
	if err != nil {
		return Result{}, err
	}
	sorted := normalize.Sort(merged)
	return Result{
		Instances: sorted,
		Records:   normalize.Records(sorted),
		Merge:     stats,
	}, nil
}
