package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Updater runs update cycles over the registry and retries charts that failed
// for transient reasons.
type Updater struct {
	registry        *charts.Registry
	timeout         time.Duration
	maxElapsed      time.Duration
	initialInterval time.Duration
	now             func() time.Time
	afterCycle      []func()
}

// NewUpdater creates an updater. Every run is bounded by timeout; retries of
// retryable failures stop after maxElapsed (0 disables retries).
func NewUpdater(registry *charts.Registry, timeout, maxElapsed time.Duration) *Updater {
	return &Updater{
		registry:        registry,
		timeout:         timeout,
		maxElapsed:      maxElapsed,
		initialInterval: backoff.DefaultInitialInterval,
		now:             time.Now,
	}
}

// AfterCycle registers fn to run after every finished run.
func (u *Updater) AfterCycle(fn func()) {
	u.afterCycle = append(u.afterCycle, fn)
}

// Run updates the named charts (every chart when none are named) and their
// dependencies. Charts that fail with a retryable error are retried, together
// with the dependents skipped because of them, with exponential backoff. The
// report holds the last result of every chart. The error is only for requests
// that could not start (unknown chart, dependency cycle).
func (u *Updater) Run(ctx context.Context, names ...string) (*charts.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	lg := log.Get(ctx)

	// One clock reading per run, so retries compute the same windows
	now := u.now()
	latest := make(map[string]charts.Result)
	pending := names
	attempt := 0

	op := func() error {
		attempt++
		report, err := u.registry.Update(ctx, now, pending...)
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, res := range report.Results {
			latest[res.Chart.Name] = res
		}
		retry := retryable(report.Results)
		if len(retry) == 0 {
			return nil
		}
		pending = retry
		return fmt.Errorf("%d charts failed with retryable errors: %v", len(retry), retry)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if u.maxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = u.initialInterval
		eb.MaxElapsedTime = u.maxElapsed
		b = eb
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		lg.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("retrying chart updates")
	})
	if len(latest) == 0 && err != nil {
		return nil, err
	}

	report := &charts.Report{Results: make([]charts.Result, 0, len(latest))}
	for _, res := range latest {
		report.Results = append(report.Results, res)
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Chart.Name < report.Results[j].Chart.Name
	})

	for _, fn := range u.afterCycle {
		fn()
	}
	logReport(lg, report, attempt)
	return report, nil
}

// retryable picks the failed charts worth another attempt: retryable failures,
// and charts skipped because such a chart (directly or transitively) failed.
// Charts behind a permanent failure stay skipped.
func retryable(results []charts.Result) []string {
	retry := make(map[string]bool)
	for _, res := range results {
		if res.Err != nil && !res.Skipped && chart.IsRetryable(res.Err) {
			retry[res.Chart.Name] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, res := range results {
			if !res.Skipped || retry[res.Chart.Name] {
				continue
			}
			var reduction *chart.ReductionError
			if errors.As(res.Err, &reduction) && retry[reduction.Dependency] {
				retry[res.Chart.Name] = true
				changed = true
			}
		}
	}

	out := make([]string, 0, len(retry))
	for name := range retry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func logReport(lg *zerolog.Logger, report *charts.Report, attempts int) {
	failed := report.Failed()
	if len(failed) == 0 {
		lg.Info().Int("charts", len(report.Results)).Int("attempts", attempts).Msg("update cycle completed")
		return
	}
	names := make([]string, 0, len(failed))
	for _, res := range failed {
		names = append(names, res.Chart.Name)
	}
	lg.Error().
		Int("charts", len(report.Results)).
		Int("attempts", attempts).
		Strs("failed", names).
		Msg("update cycle completed with failures")
}

// RunSchedule runs an update of every chart on schedule until ctx is done.
// A run still in progress when the next one is due makes that one skip.
func RunSchedule(ctx context.Context, u *Updater, schedule cron.Schedule, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := cronLogger{lg: log.Get(ctx)}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		_, _ = u.Run(ctx)
	}))

	log.Get(ctx).Info().Time("next", schedule.Next(time.Now())).Msg("update scheduler started")
	c.Start()
	<-ctx.Done()

	log.Get(ctx).Info().Msg("stopping update scheduler")
	<-c.Stop().Done()
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	lg *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.lg.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.lg.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// RunBadgerGC runs value-log garbage collection periodically to reclaim disk
// space. Badger keeps overwritten values in its value log until GC rewrites it.
func RunBadgerGC(ctx context.Context, gc storage.GarbageCollector, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg := log.Get(ctx)
	lg.Info().Dur("interval", interval).Msg("badger GC scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// One rewrite per tick keeps GC from hogging the disk
			if err := gc.RunGC(config.BadgerGCDiscardRatio); err != nil {
				lg.Debug().Err(err).Dur("took", time.Since(start)).Msg("badger GC: no rewrite needed")
			} else {
				lg.Info().Dur("took", time.Since(start)).Msg("badger GC reclaimed disk space")
			}
		case <-ctx.Done():
			lg.Info().Msg("stopping badger GC scheduler")
			return
		}
	}
}
