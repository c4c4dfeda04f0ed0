package merge

import (
	"errors"
	"testing"
	"time"

	"calmerge/internal/model"
)

func at(day, hour, min int) time.Time {
	return time.Date(2024, 2, day, hour, min, 0, 0, time.UTC)
}

func existing(start, end time.Time) model.EventInstance {
	return model.EventInstance{SourceID: "e", Title: "Existing", Start: start, End: end, Tag: model.TagImported}
}

func TestMergeDropsOverlappingCandidate(t *testing.T) {
	t.Parallel()
	sched := []model.EventInstance{existing(at(1, 9, 0), at(1, 10, 0))}
	cands := []model.CandidateEvent{{ID: "c1", Title: "Club fair", Start: at(1, 9, 30)}}

	out, stats, err := Merge(sched, cands, time.Hour, Options{})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if stats.Added != 0 || stats.Dropped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(out) != 1 || out[0] != sched[0] {
		t.Fatalf("schedule changed: %+v", out)
	}
}

func TestMergeTouchingEndpointsAreCompatible(t *testing.T) {
	t.Parallel()
	sched := []model.EventInstance{existing(at(1, 9, 0), at(1, 10, 0))}
	cands := []model.CandidateEvent{
		{ID: "before", Title: "Breakfast", Start: at(1, 8, 0)},
		{ID: "after", Title: "Talk", Start: at(1, 10, 0), Location: "Hall B"},
	}

	out, stats, err := Merge(sched, cands, time.Hour, Options{})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if stats.Added != 2 || len(out) != 3 {
		t.Fatalf("stats = %+v, len = %d", stats, len(out))
	}
	talk := out[2]
	if talk.Tag != model.TagAutoAdded || talk.SourceID != "after" {
		t.Fatalf("unexpected instance %+v", talk)
	}
	if talk.Title != "Talk (Hall B)" || talk.Location == nil || *talk.Location != "Hall B" {
		t.Fatalf("Title = %q, Location = %v", talk.Title, talk.Location)
	}
	if !talk.End.Equal(at(1, 11, 0)) {
		t.Fatalf("End = %v, want synthesized start+1h", talk.End)
	}
}

func TestMergeStrategies(t *testing.T) {
	t.Parallel()
	sched := []model.EventInstance{existing(at(1, 9, 0), at(1, 10, 0))}
	cands := []model.CandidateEvent{
		{ID: "a", Start: at(1, 12, 0)},
		{ID: "b", Start: at(1, 12, 30)},
		{ID: "c", Start: at(1, 13, 0)},
	}

	out, stats, err := Merge(sched, cands, time.Hour, Options{Strategy: AgainstExisting})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if stats.Added != 3 || len(out) != 4 {
		t.Fatalf("AgainstExisting: stats = %+v", stats)
	}

	out, stats, err = Merge(sched, cands, time.Hour, Options{Strategy: Incremental})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if stats.Added != 2 || stats.Dropped != 1 {
		t.Fatalf("Incremental: stats = %+v", stats)
	}
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[i].Overlaps(out[j]) {
				t.Fatalf("Incremental result overlaps: %+v and %+v", out[i], out[j])
			}
		}
	}
}

func TestMergeAcceptedCandidatesNeverOverlapExisting(t *testing.T) {
	t.Parallel()
	sched := []model.EventInstance{
		existing(at(1, 9, 0), at(1, 10, 0)),
		existing(at(1, 11, 15), at(1, 12, 0)),
		existing(at(1, 14, 0), at(1, 17, 0)),
	}
	var cands []model.CandidateEvent
	for m := 0; m < 12*60; m += 15 {
		cands = append(cands, model.CandidateEvent{ID: "c", Start: at(1, 7, 0).Add(time.Duration(m) * time.Minute)})
	}

	for _, dur := range []time.Duration{15 * time.Minute, 45 * time.Minute, 2 * time.Hour} {
		out, stats, err := Merge(sched, cands, dur, Options{})
		if err != nil {
			t.Fatalf("Merge error: %v", err)
		}
		if stats.Added+stats.Dropped != len(cands) {
			t.Fatalf("dur %v: stats %+v do not account for %d candidates", dur, stats, len(cands))
		}
		for _, c := range out[len(sched):] {
			for _, e := range sched {
				if !(!c.End.After(e.Start) || !c.Start.Before(e.End)) {
					t.Fatalf("dur %v: accepted %v-%v overlaps %v-%v", dur, c.Start, c.End, e.Start, e.End)
				}
			}
		}
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	sched := make([]model.EventInstance, 1, 8)
	sched[0] = existing(at(1, 9, 0), at(1, 10, 0))
	cands := []model.CandidateEvent{{ID: "x", Start: at(2, 9, 0)}}

	out, _, err := Merge(sched, cands, time.Hour, Options{})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d", len(out))
	}
	if spare := sched[:2][1]; spare != (model.EventInstance{}) {
		t.Fatalf("Merge wrote into caller's backing array: %+v", spare)
	}
	out[0].Title = "changed"
	if sched[0].Title != "Existing" {
		t.Fatal("result aliases caller's schedule")
	}
}

func TestMergeRejectsNonPositiveDuration(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{0, -time.Minute} {
		if _, _, err := Merge(nil, nil, d, Options{}); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("Merge(duration=%v) err = %v", d, err)
		}
	}
}

func TestMergeEmptyExistingAcceptsAll(t *testing.T) {
	t.Parallel()
	cands := []model.CandidateEvent{{ID: "a", Start: at(3, 9, 0)}, {ID: "b", Start: at(3, 9, 0)}}
	out, stats, err := Merge(nil, cands, time.Hour, Options{})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if stats.Added != 2 || len(out) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}
