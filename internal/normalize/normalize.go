package normalize

import (
	"fmt"
	"sort"
	"time"

	"calmerge/internal/model"
)

// Layout is the canonical serialized form of an instant: RFC 3339 with
// fractional seconds when present, always in UTC ("Z").
const Layout = time.RFC3339Nano

// Sort returns a copy of instances ordered by start. Instances with equal
// starts keep their input order.
func Sort(instances []model.EventInstance) []model.EventInstance {
	out := make([]model.EventInstance, len(instances))
	copy(out, instances)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Records sorts instances and serializes them for consumers.
func Records(instances []model.EventInstance) []model.Record {
	sorted := Sort(instances)
	out := make([]model.Record, 0, len(sorted))
	for _, inst := range sorted {
		out = append(out, model.Record{
			SourceID: inst.SourceID,
			Title:    inst.Title,
			Start:    FormatInstant(inst.Start),
			End:      FormatInstant(inst.End),
			Location: inst.Location,
			Tag:      inst.Tag,
		})
	}
	return out
}

// FormatInstant serializes t in the canonical form.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(Layout)
}

// ParseInstant parses any RFC 3339 timestamp. The result is in UTC and
// denotes the same absolute instant as the input.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("normalize: parse instant %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Instances parses records back into instances.
func Instances(records []model.Record) ([]model.EventInstance, error) {
	out := make([]model.EventInstance, 0, len(records))
	for i, r := range records {
		start, err := ParseInstant(r.Start)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		end, err := ParseInstant(r.End)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, model.EventInstance{
			SourceID: r.SourceID,
			Title:    r.Title,
			Location: r.Location,
			Start:    start,
			End:      end,
			Tag:      r.Tag,
		})
	}
	return out, nil
}
