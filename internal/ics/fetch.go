package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calmerge/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	// maxFeedBytes bounds a single feed body.
	maxFeedBytes = 16 << 20
)

// Source is a single subscribed calendar feed.
type Source struct {
	ID  string
	URL string
}

// ErrFeedTooLarge is returned for a feed body over the size limit.
var ErrFeedTooLarge = errors.New("ics: feed body too large")

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
	// Stale is the fetch failure that made FetchOne serve the cached body.
	// It is nil for fresh bodies and for 304 responses.
	Stale error
}

// cacheEntry holds HTTP validators for one feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads calendar feeds with conditional requests and keeps the
// last good body on disk so a flaky upstream does not empty the schedule.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	maxBody  int
}

// NewFetcher creates a Fetcher caching under cacheDir. A nil client gets a
// default one with a 15s timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir, maxBody: maxFeedBytes}
}

// FetchAll fetches every source. Failures are logged and collected; results
// only contain sources that produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne fetches a single feed honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	dir := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := loadCacheMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fallback := func(reason error) (FetchResult, error) {
		if len(cached) == 0 {
			return FetchResult{}, reason
		}
		appLog.Warn("ics fetch degraded, using cached body", reason, "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cached, FromCache: true, Stale: reason}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar")
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBody)+1))
		if err != nil {
			return fallback(err)
		}
		if len(body) > f.maxBody {
			return fallback(fmt.Errorf("%w: over %d bytes", ErrFeedTooLarge, f.maxBody))
		}
		// Only a body that parses replaces the cached one.
		if err := checkCalendar(body); err != nil {
			return fallback(err)
		}
		entry := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(dir, entry, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "id", src.ID)
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil

	default:
		return fallback(fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// checkCalendar reports ErrMalformedInput for a body Parse would reject
// as a whole.
func checkCalendar(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformedInput)
	}
	if _, err := ical.ParseCalendar(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return nil
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(dir string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

// saveCache writes the body before the metadata so meta never points at a
// missing body.
func saveCache(dir string, meta cacheEntry, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host, since feed URLs often embed tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
