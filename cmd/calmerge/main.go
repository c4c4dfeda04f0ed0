package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calmerge/internal/config"
	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/merge"
	"calmerge/internal/pipeline"
	"calmerge/internal/search"
	"calmerge/internal/watch"
	"calmerge/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	file       string
	watch      bool
	query      string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.query == "" {
		flags.query = conf.Search.Query
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"window_length", conf.Window.Length,
		"boundary", conf.Window.Boundary,
		"candidate_duration", conf.CandidateDuration,
		"incremental_merge", conf.Merge.Incremental,
		"ics_count", len(conf.ICS),
		"query", flags.query,
		"once", flags.once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var searcher web.Searcher
	if conf.Search.Endpoint != "" {
		c, err := search.New(search.Config{
			Endpoint:   conf.Search.Endpoint,
			RatePerSec: conf.Search.RatePerSec,
			Timeout:    conf.SearchTimeout(),
		}, nil)
		if err != nil {
			appLog.Error("search client disabled", err)
		} else {
			searcher = c
		}
	}

	if flags.once {
		if err := runOnce(ctx, conf, flags, searcher); err != nil {
			appLog.Error("run failed", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(ctx, conf, flags, searcher); err != nil {
		appLog.Error("server failed", err)
		os.Exit(1)
	}
	appLog.Info("calmerge exiting")
}

// runOnce imports flags.file, optionally merges search results for
// flags.query, and prints the normalized records as JSON on stdout.
func runOnce(ctx context.Context, conf *config.Config, flags flagConfig, searcher web.Searcher) error {
	if flags.file == "" {
		return errors.New("-once requires -file")
	}
	body, err := os.ReadFile(flags.file)
	if err != nil {
		return err
	}
	window, err := conf.ResolveWindow(time.Now())
	if err != nil {
		return err
	}

	res, err := pipeline.Import(body, pipeline.ImportOptions{
		Window:         window,
		Boundary:       ics.ParseBoundary(conf.Window.Boundary),
		Location:       conf.Location(),
		MaxOccurrences: conf.MaxOccurrences,
	})
	if err != nil {
		return err
	}

	if flags.query != "" {
		if searcher == nil {
			return errors.New("-query requires search.endpoint in config")
		}
		sctx, scancel := context.WithTimeout(ctx, conf.SearchTimeout())
		defer scancel()
		candidates, err := searcher.Search(sctx, flags.query)
		if err != nil {
			return err
		}
		dur, err := conf.CandidateDurationValue()
		if err != nil {
			return err
		}
		strategy := merge.AgainstExisting
		if conf.Merge.Incremental {
			strategy = merge.Incremental
		}
		res, err = pipeline.Reconcile(res.Instances, candidates, pipeline.ReconcileOptions{
			CandidateDuration: dur,
			Strategy:          strategy,
		})
		if err != nil {
			return err
		}
		appLog.Info("candidates merged", "added", res.Merge.Added, "dropped", res.Merge.Dropped)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Records)
}

func runServer(ctx context.Context, conf *config.Config, flags flagConfig, searcher web.Searcher) error {
	if flags.query != "" && searcher == nil {
		return errors.New("-query requires search.endpoint in config")
	}
	srv := web.NewServer(conf, ics.NewFetcher(conf.CacheDir, nil), searcher)

	if flags.file != "" {
		importFile(srv, flags.file)
		if flags.watch {
			go func() {
				err := watch.File(ctx, flags.file, watch.DefaultDebounce, func() { importFile(srv, flags.file) })
				if err != nil {
					appLog.Error("file watch failed", err, "path", flags.file)
				}
			}()
		}
	}

	refresh := func() {
		rctx, rcancel := context.WithTimeout(ctx, 2*time.Minute)
		defer rcancel()
		if err := srv.Refresh(rctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}
	feeds := len(conf.ICS) > 0 && conf.RefreshCron != ""
	if feeds {
		c := cron.New(
			cron.WithLocation(conf.Location()),
			cron.WithChain(cron.Recover(cronLogger{})),
		)
		if _, err := c.AddFunc(conf.RefreshCron, refresh); err != nil {
			return fmt.Errorf("refresh schedule %q: %w", conf.RefreshCron, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	go func() {
		if feeds {
			refresh()
		}
		if flags.query != "" {
			mergeQuery(ctx, srv, searcher, conf, flags.query)
		}
	}()

	return srv.ListenAndServe(ctx)
}

// mergeQuery runs one search and merges the results into the served
// schedule.
func mergeQuery(ctx context.Context, srv *web.Server, searcher web.Searcher, conf *config.Config, query string) {
	sctx, cancel := context.WithTimeout(ctx, conf.SearchTimeout())
	defer cancel()
	candidates, err := searcher.Search(sctx, query)
	if err != nil {
		appLog.Error("startup search failed", err, "query", query)
		return
	}
	res, err := srv.Reconcile(candidates)
	if err != nil {
		appLog.Error("startup merge failed", err, "query", query)
		return
	}
	appLog.Info("candidates merged", "query", query, "added", res.Merge.Added, "dropped", res.Merge.Dropped)
}

// cronLogger routes cron's own messages, including recovered panics, to
// the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// importFile replaces the served schedule with path's contents. Failures
// keep the previous schedule.
func importFile(srv *web.Server, path string) {
	body, err := os.ReadFile(path)
	if err != nil {
		appLog.Error("read calendar file failed", err, "path", path)
		return
	}
	if _, err := srv.Import(body); err != nil {
		appLog.Error("import calendar file failed", err, "path", path)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./calmerge.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Import -file, print the normalized schedule as JSON and exit")
	flag.StringVar(&cfg.file, "file", "", "iCalendar file to import")
	flag.BoolVar(&cfg.watch, "watch", false, "Re-import -file whenever it changes")
	flag.StringVar(&cfg.query, "query", "", "Search query whose results are merged into the schedule (overrides search.query)")

	flag.Parse()

	return cfg
}
