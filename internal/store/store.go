// Package store keeps collected posts.
//
// The authoritative collection is "all": every post ever merged, keyed by id,
// first-seen wins, in insertion order. The "daily" view is derived from it by
// created_at date, and "latest" holds exactly the posts of the last merge.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

// View names one of the materializations of the collected posts.
type View string

const (
	ViewLatest View = "latest"
	ViewDaily  View = "daily"
	ViewAll    View = "all"
)

// DayLayout is the layout of daily bucket keys.
const DayLayout = "2006-01-02"

// ParseView validates a view name.
func ParseView(s string) (View, error) {
	switch v := View(strings.ToLower(strings.TrimSpace(s))); v {
	case ViewLatest, ViewDaily, ViewAll:
		return v, nil
	default:
		return "", failure.Newf(failure.ErrConfig, "store", "unknown view %q (supported: latest, daily, all)", s)
	}
}

// Filter narrows a Read. Date is required for ViewDaily and ignored
// otherwise. Limit keeps the most recently inserted posts.
type Filter struct {
	Date   string
	Author string
	Since  time.Time
	Limit  int
}

// MergeResult counts what a merge did with its input.
type MergeResult struct {
	Added            int
	SkippedDuplicate int
	SkippedInvalid   int
}

// DayStat is the size of one daily bucket.
type DayStat struct {
	Date  string
	Count int
}

// Stats describes the store contents.
type Stats struct {
	Driver    string
	Location  string
	Total     int
	Latest    int
	Days      []DayStat
	SizeBytes int64
}

// Store is the tweet store.
type Store interface {
	// Merge replaces latest with posts and adds every post whose id is not
	// stored yet.
	Merge(ctx context.Context, posts []fetcher.Post) (MergeResult, error)
	// Read returns the posts of a view. It has no side effects.
	Read(ctx context.Context, view View, filter Filter) ([]fetcher.Post, error)
	// LastSeen returns the newest created_at among the account's stored
	// posts, or the zero time.
	LastSeen(ctx context.Context, account string) (time.Time, error)
	// Days lists the daily bucket keys, newest first.
	Days(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	// Reset deletes every stored post.
	Reset(ctx context.Context) error
	Close() error
}

// Open creates the store selected by storage.driver.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	switch cfg.Storage.Driver {
	case "json":
		return OpenFileStore(cfg.Storage.Dir, cfg.Location(), log)
	case "sqlite":
		return OpenSQLiteStore(ctx, cfg.Storage.Path, cfg.Location(), log)
	default:
		return nil, failure.Newf(failure.ErrConfig, "store", "unsupported driver %q", cfg.Storage.Driver)
	}
}

// DayKey returns the daily bucket key of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

func storageError(format string, args ...any) error {
	return failure.Newf(failure.ErrStorage, "store", format, args...)
}

func checkDailyFilter(view View, filter Filter) error {
	if view != ViewDaily {
		return nil
	}
	if filter.Date == "" {
		return failure.Newf(failure.ErrConfig, "store", "daily view needs a date")
	}
	if _, err := time.Parse(DayLayout, filter.Date); err != nil {
		return failure.Newf(failure.ErrConfig, "store", "invalid date %q (want YYYY-MM-DD)", filter.Date)
	}
	return nil
}

// applyFilter applies the Author, Since and Limit parts of a filter.
func applyFilter(posts []fetcher.Post, filter Filter) []fetcher.Post {
	out := make([]fetcher.Post, 0, len(posts))
	for _, p := range posts {
		if filter.Author != "" && !strings.EqualFold(p.Author, config.NormalizeAccount(filter.Author)) {
			continue
		}
		if !filter.Since.IsZero() && p.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, p)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func validID(p fetcher.Post) bool {
	return strings.TrimSpace(p.ID) != ""
}
