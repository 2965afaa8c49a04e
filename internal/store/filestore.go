package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

const (
	allFile      = "tweets_all.json"
	latestFile   = "tweets_latest.json"
	dailyPrefix  = "tweets_daily_"
	dailySuffix  = ".json"
	tempFileGlob = ".tweets_*.tmp"
)

// FileStore keeps posts as JSON arrays in a directory:
//
//	tweets_all.json               every post, insertion order
//	tweets_latest.json            the posts of the last merge
//	tweets_daily_YYYY-MM-DD.json  the posts created on that day
//
// tweets_all.json is authoritative. Daily files are rewritten for the days a
// merge touches and are never read back.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	loc    *time.Location
	log    *slog.Logger
	all    []fetcher.Post
	index  map[string]struct{}
	latest []fetcher.Post
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens the JSON store in dir, creating it if needed.
func OpenFileStore(dir string, loc *time.Location, log *slog.Logger) (*FileStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError("create data dir: %w", err)
	}

	s := &FileStore{dir: dir, loc: loc, log: log, index: make(map[string]struct{})}

	stale, _ := filepath.Glob(filepath.Join(dir, tempFileGlob))
	for _, name := range stale {
		log.Warn("Removing leftover temp file", "path", name)
		_ = os.Remove(name)
	}

	all, err := readPostsFile(s.path(allFile))
	if err != nil {
		return nil, storageError("load %s: %w", allFile, err)
	}
	for _, p := range all {
		if !validID(p) {
			continue
		}
		if _, ok := s.index[p.ID]; ok {
			continue
		}
		s.index[p.ID] = struct{}{}
		s.all = append(s.all, p)
	}

	latest, err := readPostsFile(s.path(latestFile))
	if err != nil {
		log.Warn("Ignoring unreadable latest file", "path", s.path(latestFile), "error", err)
		latest = nil
	}
	s.latest = latest

	log.Debug("Opened file store", "dir", dir, "posts", len(s.all), "latest", len(s.latest))
	return s, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func dailyFile(day string) string {
	return dailyPrefix + day + dailySuffix
}

// Merge writes tweets_all.json first, then the daily files of the days that
// gained posts, then tweets_latest.json. A failure leaves every file either
// at its old or its new content.
func (s *FileStore) Merge(ctx context.Context, posts []fetcher.Post) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	batch := make(map[string]struct{})
	var added []fetcher.Post
	for _, p := range posts {
		if !validID(p) {
			res.SkippedInvalid++
			continue
		}
		if _, ok := s.index[p.ID]; ok {
			res.SkippedDuplicate++
			continue
		}
		if _, ok := batch[p.ID]; ok {
			res.SkippedDuplicate++
			continue
		}
		batch[p.ID] = struct{}{}
		added = append(added, p)
	}
	res.Added = len(added)

	if len(added) > 0 {
		all := make([]fetcher.Post, 0, len(s.all)+len(added))
		all = append(all, s.all...)
		all = append(all, added...)
		if err := writeJSONAtomic(s.path(allFile), all); err != nil {
			return MergeResult{}, storageError("%w", err)
		}
		s.all = all
		for id := range batch {
			s.index[id] = struct{}{}
		}

		for _, day := range touchedDays(added, s.loc) {
			if err := writeJSONAtomic(s.path(dailyFile(day)), s.dayPosts(day)); err != nil {
				return res, storageError("%w", err)
			}
		}
	}

	latest := append([]fetcher.Post{}, posts...)
	if err := writeJSONAtomic(s.path(latestFile), latest); err != nil {
		return res, storageError("%w", err)
	}
	s.latest = latest

	s.log.DebugContext(ctx, "Merged posts",
		"added", res.Added,
		"skipped_duplicate", res.SkippedDuplicate,
		"skipped_invalid", res.SkippedInvalid,
		"total", len(s.all))
	return res, nil
}

func touchedDays(posts []fetcher.Post, loc *time.Location) []string {
	seen := make(map[string]struct{})
	var days []string
	for _, p := range posts {
		day := DayKey(p.CreatedAt, loc)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}
	sort.Strings(days)
	return days
}

func (s *FileStore) dayPosts(day string) []fetcher.Post {
	out := []fetcher.Post{}
	for _, p := range s.all {
		if DayKey(p.CreatedAt, s.loc) == day {
			out = append(out, p)
		}
	}
	return out
}

func (s *FileStore) Read(ctx context.Context, view View, filter Filter) ([]fetcher.Post, error) {
	if err := checkDailyFilter(view, filter); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var posts []fetcher.Post
	switch view {
	case ViewLatest:
		posts = s.latest
	case ViewAll:
		posts = s.all
	case ViewDaily:
		posts = s.dayPosts(filter.Date)
	default:
		return nil, fmt.Errorf("store: unknown view %q", view)
	}
	return applyFilter(posts, filter), nil
}

func (s *FileStore) LastSeen(ctx context.Context, account string) (time.Time, error) {
	account = config.NormalizeAccount(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	var newest time.Time
	for _, p := range s.all {
		if strings.EqualFold(p.Author, account) && p.CreatedAt.After(newest) {
			newest = p.CreatedAt
		}
	}
	return newest, nil
}

func (s *FileStore) Days(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.days(), nil
}

func (s *FileStore) days() []string {
	seen := make(map[string]struct{})
	var days []string
	for _, p := range s.all {
		day := DayKey(p.CreatedAt, s.loc)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days
}

func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, p := range s.all {
		counts[DayKey(p.CreatedAt, s.loc)]++
	}
	st := Stats{
		Driver:   "json",
		Location: s.loc.String(),
		Total:    len(s.all),
		Latest:   len(s.latest),
	}
	for _, day := range s.days() {
		st.Days = append(st.Days, DayStat{Date: day, Count: counts[day]})
	}
	if info, err := os.Stat(s.path(allFile)); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}

// Reset removes every store file from the directory.
func (s *FileStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := []string{allFile, latestFile}
	daily, err := filepath.Glob(filepath.Join(s.dir, dailyPrefix+"*"+dailySuffix))
	if err != nil {
		return storageError("list daily files: %w", err)
	}
	for _, d := range daily {
		names = append(names, filepath.Base(d))
	}

	for _, name := range names {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storageError("remove %s: %w", name, err)
		}
	}

	s.all = nil
	s.index = make(map[string]struct{})
	s.latest = nil
	s.log.InfoContext(ctx, "Cleared file store", "dir", s.dir, "files", len(names))
	return nil
}

func (s *FileStore) Close() error { return nil }

// legacyEnvelope is the file format of the older tool: raw twitterapi.io
// tweet objects under "tweets", plus bookkeeping fields that are ignored.
type legacyEnvelope struct {
	Tweets []json.RawMessage `json:"tweets"`
}

// readPostsFile loads a JSON array of posts. The older {"tweets": [...]}
// envelope is accepted too. A missing file is an empty list.
func readPostsFile(path string) ([]fetcher.Post, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '{' {
		return readLegacyPosts(path, data)
	}

	var posts []fetcher.Post
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return posts, nil
}

func readLegacyPosts(path string, data []byte) ([]fetcher.Post, error) {
	var env legacyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	fetchedAt := time.Now()
	if info, err := os.Stat(path); err == nil {
		fetchedAt = info.ModTime()
	}

	posts := make([]fetcher.Post, 0, len(env.Tweets))
	for i, raw := range env.Tweets {
		p, err := fetcher.PostFromSearchJSON(raw, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parse %s: tweet %d: %w", filepath.Base(path), i, err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}
