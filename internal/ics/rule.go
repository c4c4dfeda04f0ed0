package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Ordinal BYDAY limits. Inside a month an ordinal can reach the fifth
// weekday; across a whole year it can reach the 53rd.
const (
	maxMonthOrdinal = 5
	maxYearOrdinal  = 53
)

var weekdays = map[string]bool{"MO": true, "TU": true, "WE": true, "TH": true, "FR": true, "SA": true, "SU": true}

// Frequency is the FREQ part of an RRULE that the expander implements.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// frequencySpec describes one supported frequency: how it maps onto
// rrule-go and which BY* modifiers it accepts.
type frequencySpec struct {
	freq rrule.Frequency
	by   map[string]bool
	// maxOrdinal bounds BYDAY entries such as "1MO" or "-1FR". Zero means
	// ordinals are not accepted.
	maxOrdinal int
}

var frequencies = map[Frequency]frequencySpec{
	Daily: {
		freq: rrule.DAILY,
		by:   map[string]bool{"BYDAY": true, "BYMONTHDAY": true, "BYMONTH": true},
	},
	Weekly: {
		freq: rrule.WEEKLY,
		by:   map[string]bool{"BYDAY": true, "BYMONTH": true},
	},
	Monthly: {
		freq:       rrule.MONTHLY,
		by:         map[string]bool{"BYDAY": true, "BYMONTHDAY": true, "BYMONTH": true},
		maxOrdinal: maxMonthOrdinal,
	},
	Yearly: {
		freq:       rrule.YEARLY,
		by:         map[string]bool{"BYDAY": true, "BYMONTHDAY": true, "BYMONTH": true},
		maxOrdinal: maxYearOrdinal,
	},
}

// Parts every frequency accepts.
var commonParts = map[string]bool{
	"FREQ":     true,
	"INTERVAL": true,
	"COUNT":    true,
	"UNTIL":    true,
	"WKST":     true,
}

// Rule is a validated recurrence rule. The zero value is not usable;
// build one with ParseRule.
type Rule struct {
	Raw       string
	Frequency Frequency
	Interval  int
	Count     int
	Until     time.Time

	opt rrule.ROption
}

// ParseRule validates raw (with or without an "RRULE:" prefix) and returns
// a Rule. Syntax errors wrap ErrSkippedRecord; frequencies or modifiers the
// expander does not implement wrap ErrUnsupportedRecurrence.
func ParseRule(raw string) (Rule, error) {
	body := strings.TrimSpace(raw)
	if len(body) >= 6 && strings.EqualFold(body[:6], "RRULE:") {
		body = body[6:]
	}
	if body == "" {
		return Rule{}, fmt.Errorf("%w: empty RRULE", ErrSkippedRecord)
	}

	parts := make(map[string]string)
	for _, part := range strings.Split(body, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.ToUpper(strings.TrimSpace(k))
		if !ok || k == "" || strings.TrimSpace(v) == "" {
			return Rule{}, fmt.Errorf("%w: malformed RRULE part %q", ErrSkippedRecord, part)
		}
		if _, dup := parts[k]; dup {
			return Rule{}, fmt.Errorf("%w: duplicate RRULE part %s", ErrSkippedRecord, k)
		}
		parts[k] = strings.TrimSpace(v)
	}

	freqName, ok := parts["FREQ"]
	if !ok {
		return Rule{}, fmt.Errorf("%w: RRULE without FREQ", ErrSkippedRecord)
	}
	freq := Frequency(strings.ToUpper(freqName))
	spec, ok := frequencies[freq]
	if !ok {
		return Rule{}, fmt.Errorf("%w: FREQ=%s", ErrUnsupportedRecurrence, freqName)
	}

	for k := range parts {
		if commonParts[k] {
			continue
		}
		if !spec.by[k] {
			return Rule{}, fmt.Errorf("%w: %s with FREQ=%s", ErrUnsupportedRecurrence, k, freq)
		}
	}

	if v, ok := parts["BYDAY"]; ok {
		limit := spec.maxOrdinal
		// YEARLY with BYMONTH counts weekdays inside each listed month.
		if _, byMonth := parts["BYMONTH"]; byMonth && limit > maxMonthOrdinal {
			limit = maxMonthOrdinal
		}
		if err := checkByDay(v, freq, limit); err != nil {
			return Rule{}, err
		}
	}

	if _, hasCount := parts["COUNT"]; hasCount {
		if _, hasUntil := parts["UNTIL"]; hasUntil {
			return Rule{}, fmt.Errorf("%w: COUNT and UNTIL together", ErrUnsupportedRecurrence)
		}
	}

	rule := Rule{Raw: raw, Frequency: freq, Interval: 1}
	if v, ok := parts["INTERVAL"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Rule{}, fmt.Errorf("%w: INTERVAL=%s", ErrSkippedRecord, v)
		}
		rule.Interval = n
	}
	if v, ok := parts["COUNT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Rule{}, fmt.Errorf("%w: COUNT=%s", ErrSkippedRecord, v)
		}
		rule.Count = n
	}

	normalized := make([]string, 0, len(parts))
	for k, v := range parts {
		normalized = append(normalized, k+"="+strings.ToUpper(v))
	}
	opt, err := rrule.StrToROption(strings.Join(normalized, ";"))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrSkippedRecord, err)
	}
	opt.Freq = spec.freq
	// rrule-go range-checks BYMONTH and BYMONTHDAY on construction.
	checkOpt := *opt
	checkOpt.Dtstart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := rrule.NewRRule(checkOpt); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrSkippedRecord, err)
	}
	rule.Until = opt.Until
	rule.opt = *opt

	return rule, nil
}

// Between returns the occurrence starts of the rule anchored at anchor that
// fall within [from, to], both ends inclusive.
// A panic inside rrule-go is reported as ErrSkippedRecord.
func (r Rule) Between(anchor, from, to time.Time) (out []time.Time, err error) {
	rr, err := r.build(anchor)
	if err != nil {
		return nil, err
	}
	defer recoverRule(&err)
	return rr.Between(from.In(anchor.Location()), to.In(anchor.Location()), true), nil
}

// lastOnOrBefore returns the latest occurrence at or before t.
func (r Rule) lastOnOrBefore(anchor, t time.Time) (last time.Time, ok bool) {
	rr, err := r.build(anchor)
	if err != nil {
		return time.Time{}, false
	}
	defer func() {
		if recover() != nil {
			last, ok = time.Time{}, false
		}
	}()
	last = rr.Before(t, true)
	return last, !last.IsZero()
}

func (r Rule) build(anchor time.Time) (*rrule.RRule, error) {
	opt := r.opt
	opt.Dtstart = anchor
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSkippedRecord, err)
	}
	return rr, nil
}

func recoverRule(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("%w: recurrence generation failed: %v", ErrSkippedRecord, p)
	}
}

// checkByDay validates BYDAY entries: a weekday code with an optional
// signed ordinal whose magnitude is at most limit.
func checkByDay(byday string, freq Frequency, limit int) error {
	for _, d := range strings.Split(byday, ",") {
		d = strings.ToUpper(strings.TrimSpace(d))
		if len(d) < 2 || !weekdays[d[len(d)-2:]] {
			return fmt.Errorf("%w: BYDAY entry %q", ErrSkippedRecord, d)
		}
		num := d[:len(d)-2]
		if num == "" {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n == 0 {
			return fmt.Errorf("%w: BYDAY entry %q", ErrSkippedRecord, d)
		}
		if limit == 0 {
			return fmt.Errorf("%w: ordinal BYDAY=%s with FREQ=%s", ErrUnsupportedRecurrence, byday, freq)
		}
		if n > limit || n < -limit {
			return fmt.Errorf("%w: BYDAY ordinal %s out of range for FREQ=%s", ErrUnsupportedRecurrence, d, freq)
		}
	}
	return nil
}
