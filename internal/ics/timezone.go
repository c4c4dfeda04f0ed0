package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calmerge/internal/log"
)

// ErrUnknownTimezone marks a TZID that is neither an IANA zone nor defined
// by a VTIMEZONE in the payload. The event is kept and read in the
// fallback location.
var ErrUnknownTimezone = errors.New("ics: unknown timezone")

// observance is one STANDARD or DAYLIGHT block. Wall clock values are held
// as UTC fields so they compare without any zone applied.
type observance struct {
	start      time.Time
	offsetFrom int
	offsetTo   int
	rule       *Rule
}

// lastOnset returns the latest onset of o at or before wall.
func (o observance) lastOnset(wall time.Time) (time.Time, bool) {
	if o.start.After(wall) {
		return time.Time{}, false
	}
	if o.rule == nil {
		return o.start, true
	}
	// Observances are commonly anchored in 1601 or 1970. rrule-go stops
	// generating about 290 years past its anchor, so a plain yearly rule is
	// re-anchored at the same date in the year before wall.
	anchor := o.start
	if o.rule.Count == 0 && o.rule.Interval == 1 && wall.Year()-anchor.Year() > 1 {
		anchor = time.Date(wall.Year()-1, anchor.Month(), anchor.Day(), anchor.Hour(), anchor.Minute(), anchor.Second(), 0, time.UTC)
	}
	return o.rule.lastOnOrBefore(anchor, wall)
}

// vtimezone is a zone defined inline by the calendar, typically by clients
// that write Windows zone names such as "Eastern Standard Time".
type vtimezone struct {
	id          string
	observances []observance
}

// offsetAt returns the UTC offset in seconds in effect at wall.
func (z *vtimezone) offsetAt(wall time.Time) int {
	var (
		best   time.Time
		offset int
		found  bool
	)
	for _, o := range z.observances {
		onset, ok := o.lastOnset(wall)
		if ok && (!found || onset.After(best)) {
			best, offset, found = onset, o.offsetTo, true
		}
	}
	if found {
		return offset
	}
	// Before every onset: the zone is still on the earliest block's
	// previous offset.
	earliest := z.observances[0]
	for _, o := range z.observances[1:] {
		if o.start.Before(earliest.start) {
			earliest = o
		}
	}
	return earliest.offsetFrom
}

// in places the wall clock fields of wall into the zone. The result carries
// a fixed offset, the one in effect at that moment.
func (z *vtimezone) in(wall time.Time) time.Time {
	loc := time.FixedZone(z.id, z.offsetAt(wall))
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)
}

// collectTimezones indexes the VTIMEZONE blocks of cal by TZID. Blocks that
// cannot be read are logged and left out.
func collectTimezones(cal *ical.Calendar) map[string]*vtimezone {
	zones := make(map[string]*vtimezone)
	for _, tz := range cal.Timezones() {
		p := tz.GetProperty(ical.ComponentPropertyTzid)
		if p == nil || strings.TrimSpace(p.Value) == "" {
			continue
		}
		z, err := parseVTimezone(p.Value, tz)
		if err != nil {
			appLog.Warn("ics vtimezone ignored", err, "tzid", p.Value)
			continue
		}
		zones[p.Value] = z
	}
	return zones
}

func parseVTimezone(id string, tz *ical.VTimezone) (*vtimezone, error) {
	z := &vtimezone{id: id}
	for _, c := range tz.Components {
		var base *ical.ComponentBase
		switch sub := c.(type) {
		case *ical.Standard:
			base = &sub.ComponentBase
		case *ical.Daylight:
			base = &sub.ComponentBase
		default:
			continue
		}
		o, err := parseObservance(base)
		if err != nil {
			return nil, err
		}
		z.observances = append(z.observances, o)
	}
	if len(z.observances) == 0 {
		return nil, errors.New("no STANDARD or DAYLIGHT block")
	}
	return z, nil
}

func parseObservance(cb *ical.ComponentBase) (observance, error) {
	var o observance

	dt := cb.GetProperty(ical.ComponentPropertyDtStart)
	if dt == nil {
		return o, errors.New("observance without DTSTART")
	}
	start, err := parseICSTime(dt.Value, time.UTC)
	if err != nil {
		return o, fmt.Errorf("observance DTSTART: %w", err)
	}
	o.start = start

	to := cb.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto))
	if to == nil {
		return o, errors.New("observance without TZOFFSETTO")
	}
	if o.offsetTo, err = parseUTCOffset(to.Value); err != nil {
		return o, err
	}
	o.offsetFrom = o.offsetTo
	if from := cb.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom)); from != nil {
		if o.offsetFrom, err = parseUTCOffset(from.Value); err != nil {
			return o, err
		}
	}

	if rr := cb.GetProperty(ical.ComponentPropertyRrule); rr != nil {
		rule, err := ParseRule(rr.Value)
		if err != nil {
			return o, fmt.Errorf("observance RRULE: %w", err)
		}
		o.rule = &rule
	}
	return o, nil
}

// parseUTCOffset parses "+HHMM", "-HHMM" or "+HHMMSS" into seconds.
func parseUTCOffset(v string) (int, error) {
	v = strings.TrimSpace(v)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	digits := v[1:]
	parts := make([]int, 0, 3)
	for i := 0; i < len(digits); i += 2 {
		n, err := strconv.Atoi(digits[i : i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q", v)
		}
		parts = append(parts, n)
	}
	secs := parts[0]*3600 + parts[1]*60
	if len(parts) == 3 {
		secs += parts[2]
	}
	return sign * secs, nil
}
