package ics

import (
	"context"
	"errors"
	"strings"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchOneUsesConditionalRequests(t *testing.T) {
	t.Parallel()
	body := calendar([]string{"UID:a", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"})

	var (
		hits    atomic.Int32
		failing atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "team", URL: srv.URL + "/private.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || string(first.Body) != string(body) {
		t.Fatalf("first fetch: FromCache=%v body=%q", first.FromCache, first.Body)
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache || string(second.Body) != string(body) {
		t.Fatalf("second fetch should be served from cache after 304")
	}

	failing.Store(true)
	third, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("third fetch should fall back to cache: %v", err)
	}
	if !third.FromCache {
		t.Fatal("third fetch: expected cached body")
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits = %d, want 3", hits.Load())
	}
}

func TestFetchOneKeepsLastGoodBody(t *testing.T) {
	t.Parallel()
	good := calendar([]string{"UID:a", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"})

	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
			return
		}
		_, _ = w.Write(good)
	}))

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "team", URL: srv.URL + "/team.ics"}
	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	broken.Store(true)
	res, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("fetch of malformed body should fall back: %v", err)
	}
	if !res.FromCache || string(res.Body) != string(good) || !errors.Is(res.Stale, ErrMalformedInput) {
		t.Fatalf("FromCache=%v Stale=%v body=%q", res.FromCache, res.Stale, res.Body)
	}

	// The malformed body never reached the cache.
	srv.Close()
	res, err = f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if string(res.Body) != string(good) || res.Stale == nil {
		t.Fatalf("offline fetch served %q (stale=%v)", res.Body, res.Stale)
	}
}

func TestFetchOneRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("X", 100)))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	f.maxBody = 64
	_, err := f.FetchOne(context.Background(), Source{ID: "big", URL: srv.URL + "/big.ics"})
	if !errors.Is(err, ErrFeedTooLarge) {
		t.Fatalf("err = %v, want ErrFeedTooLarge", err)
	}
}

func TestFetchAllCollectsErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(calendar())
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	results, errs := f.FetchAll(context.Background(), []Source{
		{ID: "ok", URL: srv.URL + "/ok.ics"},
		{ID: "missing", URL: srv.URL + "/missing.ics"},
		{ID: "empty"},
	})
	if len(results) != 1 || results[0].Source.ID != "ok" {
		t.Fatalf("results = %+v", results)
	}
	if len(errs) != 2 {
		t.Fatalf("errs = %v, want 2", errs)
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://example.com/path/private.ics?token=abcd": "https://example.com/...(redacted)",
		"http://cal.local:8080/x":                         "http://cal.local:8080/...(redacted)",
		"not a url":                                       "ics://...(redacted)",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Fatalf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
