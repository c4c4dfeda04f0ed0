package ics

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

var (
	// ErrMalformedInput means the payload as a whole could not be parsed.
	// Nothing is returned alongside it.
	ErrMalformedInput = errors.New("ics: malformed input")

	// ErrSkippedRecord marks a single VEVENT (or its RRULE) that was dropped.
	ErrSkippedRecord = errors.New("ics: record skipped")

	// ErrUnsupportedRecurrence marks an RRULE using a frequency or modifier
	// the expander does not implement.
	ErrUnsupportedRecurrence = errors.New("ics: unsupported recurrence")
)

// Diagnostic describes one record that was skipped during parsing or
// expansion. Err wraps ErrSkippedRecord or ErrUnsupportedRecurrence, or
// ErrUnknownTimezone for a record that was kept with a fallback zone.
type Diagnostic struct {
	UID string
	Err error
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %v", d.UID, d.Err)
}

func (d Diagnostic) Unwrap() error { return d.Err }

// ParseOptions tunes Parse.
type ParseOptions struct {
	// Location is used for floating DATE-TIME values (no Z suffix, no TZID)
	// and for DATE values. If nil, UTC is used.
	Location *time.Location
}

// ParseResult is the outcome of a successful Parse.
type ParseResult struct {
	Descriptors []model.Descriptor
	Diagnostics []Diagnostic
}

// Parse parses a single iCalendar payload into descriptors, one per VEVENT.
//
//   - A payload the grammar rejects fails the whole call with ErrMalformedInput.
//   - A VEVENT lacking DTSTART or DTEND is skipped with a diagnostic.
//   - RRULE is kept verbatim; expansion is done in Expand.
func Parse(body []byte, opts ParseOptions) (ParseResult, error) {
	var result ParseResult

	if len(bytes.TrimSpace(body)) == 0 {
		return result, fmt.Errorf("%w: empty body", ErrMalformedInput)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "bytes", len(body))
		return ParseResult{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	vevents := cal.Events()
	if len(vevents) == 0 {
		appLog.Warn("ics payload has no VEVENT", nil)
	}

	tr := &timeResolver{fallback: opts.Location, zones: collectTimezones(cal)}
	descriptors := make([]model.Descriptor, 0, len(vevents))
	for i, ve := range vevents {
		tr.unknown = tr.unknown[:0]
		d, perr := parseVEvent(i, ve, tr)
		for _, tzid := range tr.unknown {
			werr := fmt.Errorf("%w: TZID %q read in %s", ErrUnknownTimezone, tzid, opts.Location)
			result.Diagnostics = append(result.Diagnostics, Diagnostic{UID: d.UID, Err: werr})
			appLog.Warn("ics vevent uses unknown timezone", werr, "uid", d.UID)
		}
		if perr != nil {
			diag := Diagnostic{UID: d.UID, Err: perr}
			result.Diagnostics = append(result.Diagnostics, diag)
			appLog.Warn("ics vevent skipped", perr, "uid", d.UID)
			continue
		}
		descriptors = append(descriptors, d)
	}

	result.Descriptors = descriptors
	appLog.Info("ics parse completed",
		"event_count", len(descriptors),
		"diagnostics", len(result.Diagnostics),
	)
	return result, nil
}

// parseVEvent returns a descriptor whose UID is always set, even on error,
// so callers can name the failing block.
func parseVEvent(index int, ve *ical.VEvent, tr *timeResolver) (model.Descriptor, error) {
	var out model.Descriptor

	out.UID = "event-" + strconv.Itoa(index)
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil && p.Value != "" {
		out.UID = p.Value
	}

	start, err := tr.propertyTime(ve.GetProperty(ical.ComponentPropertyDtStart))
	if err != nil {
		return out, fmt.Errorf("%w: DTSTART: %v", ErrSkippedRecord, err)
	}
	end, err := tr.propertyTime(ve.GetProperty(ical.ComponentPropertyDtEnd))
	if err != nil {
		return out, fmt.Errorf("%w: DTEND: %v", ErrSkippedRecord, err)
	}
	out.Start = start
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	out.Title = out.Summary
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil && p.Value != "" {
		location := p.Value
		out.Location = &location
		out.Title = out.Summary + " (" + location + ")"
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}

	return out, nil
}

// timeResolver turns DTSTART/DTEND properties into instants for one
// payload. TZIDs it had to replace with fallback are collected in unknown.
type timeResolver struct {
	fallback *time.Location
	zones    map[string]*vtimezone
	unknown  []string
}

// propertyTime resolves a DTSTART/DTEND property into an instant.
//
//   - "...Z" values are UTC.
//   - TZID-qualified values use the IANA zone of that name, else the
//     payload's own VTIMEZONE, else the fallback location.
//   - Floating DATE-TIME and DATE values use the fallback location.
func (tr *timeResolver) propertyTime(p *ical.IANAProperty) (time.Time, error) {
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return time.Time{}, errors.New("missing")
	}
	tzs, ok := p.ICalParameters["TZID"]
	if !ok || len(tzs) == 0 || tzs[0] == "" || strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		return parseICSTime(p.Value, tr.fallback)
	}

	tzid := tzs[0]
	if loc, err := time.LoadLocation(tzid); err == nil {
		return parseICSTime(p.Value, loc)
	}
	if z, ok := tr.zones[tzid]; ok {
		wall, err := parseICSTime(p.Value, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		return z.in(wall), nil
	}
	if !slices.Contains(tr.unknown, tzid) {
		tr.unknown = append(tr.unknown, tzid)
	}
	return parseICSTime(p.Value, tr.fallback)
}

// parseICSTime parses a DATE or DATE-TIME value.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only, e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}
