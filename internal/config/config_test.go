package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "calmerge.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" || cfg.Window.Length != "1y" || cfg.CandidateDuration != "1h" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if again.Listen != cfg.Listen || again.Window.Boundary != "observed" {
		t.Fatalf("reloaded config differs: %+v", again)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calmerge.yaml")
	data := `
listen: ":9090"
timezone: UTC
window:
  start: "2024-01-01T00:00:00Z"
  length: 30d
  boundary: half_open
candidate_duration: 90m
merge:
  incremental: true
search:
  endpoint: https://example.com/search
  query: robotics
ics:
  - id: team
    url: https://example.com/team.ics
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen != ":9090" || !cfg.Merge.Incremental || cfg.Window.Boundary != "half_open" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.ICS) != 1 || cfg.ICS[0].ID != "team" {
		t.Fatalf("ICS = %+v", cfg.ICS)
	}
	d, err := cfg.CandidateDurationValue()
	if err != nil || d != 90*time.Minute {
		t.Fatalf("CandidateDurationValue = %v, %v", d, err)
	}
	// Normalize filled the rest.
	if cfg.MaxOccurrences != 5000 || cfg.Search.RatePerSec != 1 || cfg.SearchTimeout() != 15*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	w, err := cfg.ResolveWindow(time.Now())
	if err != nil {
		t.Fatalf("ResolveWindow error: %v", err)
	}
	if !w.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !w.End.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window = %v..%v", w.Start, w.End)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calmerge.yaml")
	data := `
timezone: Mars/Olympus
window:
  start: yesterday
  length: forever
candidate_duration: "-1h"
ics:
  - id: broken
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"timezone", "window.start", "window.length", "candidate_duration", "ics[0]"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q does not mention %s", err, field)
		}
	}
}

func TestResolveWindowDefaultsToToday(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	now := time.Date(2024, 5, 17, 15, 4, 5, 0, time.UTC)

	w, err := cfg.ResolveWindow(now)
	if err != nil {
		t.Fatalf("ResolveWindow error: %v", err)
	}
	if !w.Start.Equal(time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", w.Start)
	}
	if !w.End.Equal(time.Date(2025, 5, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %v", w.End)
	}
}

func TestParseLength(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{raw: "1y", want: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)},
		{raw: "21d", want: time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC)},
		{raw: "36h", want: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		l, err := parseLength(tt.raw)
		if err != nil {
			t.Fatalf("parseLength(%q) error: %v", tt.raw, err)
		}
		if got := l.addTo(start); !got.Equal(tt.want) {
			t.Fatalf("parseLength(%q) end = %v, want %v", tt.raw, got, tt.want)
		}
	}
	for _, bad := range []string{"", "0y", "-3d", "xd", "0s", "soon"} {
		if _, err := parseLength(bad); err == nil {
			t.Fatalf("parseLength(%q) expected error", bad)
		}
	}
}
