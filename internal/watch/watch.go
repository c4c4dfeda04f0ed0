// Package watch runs a callback whenever a single file changes on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "calmerge/internal/log"
)

// DefaultDebounce collapses editor save bursts into one callback.
const DefaultDebounce = 250 * time.Millisecond

// File watches path and calls onChange after writes settle for debounce.
// The parent directory is watched so atomic renames are seen. File blocks
// until ctx is done and returns nil then; it returns an error only if the
// watcher cannot be set up.
func File(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	dir := filepath.Dir(path)
	name := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			defer func() {
				if p := recover(); p != nil {
					appLog.Error("file change handler panicked", fmt.Errorf("%v", p), "path", path)
				}
			}()
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	appLog.Info("watching file", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Warn("file watch error", err, "path", path)
		}
	}
}
