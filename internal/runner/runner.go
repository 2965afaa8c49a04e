package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
	"github.com/ryosukesatoh/tweet-digest/internal/retry"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
)

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Runner polls the watched accounts and merges their new posts into the store.
type Runner struct {
	accounts []string
	fetcher  fetcher.Fetcher
	store    store.Store
	schedule cron.Schedule
	retry    retry.Config
	clock    Clock
	log      *slog.Logger
}

type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithRetry retries a failed account fetch. Only network and rate-limit
// failures are retried.
func WithRetry(cfg retry.Config) Option {
	return func(r *Runner) { r.retry = cfg }
}

// New creates a new Runner polling accounts in the order given.
func New(accounts []string, f fetcher.Fetcher, st store.Store, schedule cron.Schedule, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		accounts: accounts,
		fetcher:  f,
		store:    st,
		schedule: schedule,
		clock:    realClock{},
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule returns the poll schedule: the cron expression when one is set,
// otherwise a fixed interval.
func Schedule(cfg config.MonitorConfig) (cron.Schedule, error) {
	if cfg.Schedule != "" {
		s, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, failure.Newf(failure.ErrConfig, "runner", "invalid schedule %q: %w", cfg.Schedule, err)
		}
		return s, nil
	}
	if cfg.Interval.Duration <= 0 {
		return nil, failure.Newf(failure.ErrConfig, "runner", "interval must be positive")
	}
	return cron.Every(cfg.Interval.Duration), nil
}

// PassResult summarizes one poll over the accounts.
type PassResult struct {
	Accounts int
	Failed   int
	Fetched  int
	Merge    store.MergeResult
}

// Pass visits every account once, in listed order, and merges the posts of
// the accounts that succeeded. A failing account is logged and skipped. When
// every account fails nothing is merged and latest keeps the previous poll.
func (r *Runner) Pass(ctx context.Context) (PassResult, error) {
	res := PassResult{Accounts: len(r.accounts)}
	var batch []fetcher.Post

	for _, account := range r.accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		since, err := r.store.LastSeen(ctx, account)
		if err != nil {
			return res, fmt.Errorf("runner: last seen for %s: %w", account, err)
		}

		var posts []fetcher.Post
		err = retry.WithBackoff(ctx, r.retry, func(ctx context.Context) error {
			var ferr error
			posts, ferr = r.fetcher.Fetch(ctx, account, since)
			return ferr
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			r.log.WarnContext(ctx, "Account fetch failed",
				"account", account,
				"kind", failure.KindName(err),
				"error", err,
			)
			continue
		}

		r.log.InfoContext(ctx, "Fetched posts", "account", account, "count", len(posts), "since", since)
		res.Fetched += len(posts)
		batch = append(batch, posts...)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Accounts > 0 && res.Failed == res.Accounts {
		r.log.WarnContext(ctx, "Every account failed, keeping previous latest", "accounts", res.Accounts)
		return res, nil
	}

	merged, err := r.store.Merge(ctx, batch)
	if err != nil {
		return res, fmt.Errorf("runner: merge failed: %w", err)
	}
	res.Merge = merged

	r.log.InfoContext(ctx, "Poll finished",
		"accounts", res.Accounts,
		"failed", res.Failed,
		"fetched", res.Fetched,
		"added", merged.Added,
		"duplicates", merged.SkippedDuplicate,
		"invalid", merged.SkippedInvalid,
	)
	return res, nil
}

// Run polls until ctx is cancelled. With once it performs a single pass and
// returns its error. In the loop a failed pass is logged and the next
// activation of the schedule is awaited.
func (r *Runner) Run(ctx context.Context, once bool) error {
	r.log.InfoContext(ctx, "Starting monitor", "accounts", r.accounts, "once", once)

	for {
		_, err := r.Pass(ctx)
		if once {
			return err
		}
		if ctx.Err() != nil {
			r.log.InfoContext(ctx, "Monitor stopped")
			return nil
		}
		if err != nil {
			r.log.ErrorContext(ctx, "Poll failed", "kind", failure.KindName(err), "error", err)
		}

		now := r.clock.Now()
		next := r.schedule.Next(now)
		r.log.InfoContext(ctx, "Waiting for next poll", "next", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "Monitor stopped")
			return nil
		case <-r.clock.After(next.Sub(now)):
		}
	}
}
