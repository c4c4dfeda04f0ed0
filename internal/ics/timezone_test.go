package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// easternWindows is the VTIMEZONE block Outlook writes for US Eastern.
var easternWindows = []string{
	"BEGIN:VTIMEZONE",
	"TZID:Eastern Standard Time",
	"BEGIN:STANDARD",
	"DTSTART:16010101T020000",
	"TZOFFSETFROM:-0400",
	"TZOFFSETTO:-0500",
	"RRULE:FREQ=YEARLY;BYDAY=1SU;BYMONTH=11",
	"END:STANDARD",
	"BEGIN:DAYLIGHT",
	"DTSTART:16010101T020000",
	"TZOFFSETFROM:-0500",
	"TZOFFSETTO:-0400",
	"RRULE:FREQ=YEARLY;BYDAY=2SU;BYMONTH=3",
	"END:DAYLIGHT",
	"END:VTIMEZONE",
}

func calendarWithZones(zones []string, events ...[]string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//calmerge//test//EN"}
	lines = append(lines, zones...)
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, ev...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestParseUsesInlineVTimezone(t *testing.T) {
	t.Parallel()
	body := calendarWithZones(easternWindows,
		[]string{
			"UID:winter",
			"DTSTART;TZID=Eastern Standard Time:20240115T090000",
			"DTEND;TZID=Eastern Standard Time:20240115T100000",
		},
		[]string{
			"UID:summer",
			"DTSTART;TZID=Eastern Standard Time:20240715T090000",
			"DTEND;TZID=Eastern Standard Time:20240715T100000",
		},
	)

	res, err := Parse(body, ParseOptions{})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("diagnostics = %v", res.Diagnostics)
	}
	if len(res.Descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(res.Descriptors))
	}
	want := map[string]time.Time{
		"winter": time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC),
		"summer": time.Date(2024, 7, 15, 13, 0, 0, 0, time.UTC),
	}
	for _, d := range res.Descriptors {
		if !d.Start.Equal(want[d.UID]) {
			t.Fatalf("%s start = %v, want %v", d.UID, d.Start.UTC(), want[d.UID])
		}
		if d.End.Sub(d.Start) != time.Hour {
			t.Fatalf("%s duration = %v", d.UID, d.End.Sub(d.Start))
		}
	}
}

func TestParseUnknownTimezoneFallsBack(t *testing.T) {
	t.Parallel()
	body := calendar([]string{
		"UID:mystery",
		"DTSTART;TZID=Nowhere Standard Time:20240115T090000",
		"DTEND;TZID=Nowhere Standard Time:20240115T100000",
	})

	res, err := Parse(body, ParseOptions{Location: time.FixedZone("UTC+2", 2*3600)})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(res.Descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(res.Descriptors))
	}
	if got := res.Descriptors[0].Start; !got.Equal(time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", got.UTC())
	}
	if len(res.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v", res.Diagnostics)
	}
	if d := res.Diagnostics[0]; !errors.Is(d, ErrUnknownTimezone) || d.UID != "mystery" {
		t.Fatalf("diagnostic = %v", d)
	}
}

func TestParseUTCOffset(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"+0000":   0,
		"-0500":   -5 * 3600,
		"+0530":   5*3600 + 30*60,
		"+013015": 3600 + 30*60 + 15,
	}
	for in, want := range tests {
		got, err := parseUTCOffset(in)
		if err != nil || got != want {
			t.Fatalf("parseUTCOffset(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "0500", "+5", "+05:00", "-ab00"} {
		if _, err := parseUTCOffset(bad); err == nil {
			t.Fatalf("parseUTCOffset(%q) expected error", bad)
		}
	}
}
