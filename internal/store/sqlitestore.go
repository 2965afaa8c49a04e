package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps posts in a SQLite database. The latest view is stored
// verbatim as JSON so it can hold exactly what the last merge received.
type SQLiteStore struct {
	db   *sql.DB
	path string
	loc  *time.Location
	log  *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the database at dbPath and applies pending migrations.
func OpenSQLiteStore(ctx context.Context, dbPath string, loc *time.Location, log *slog.Logger) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageError("create db dir: %w", err)
		}
	}

	dbFile, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, storageError("open DB file: %w", err)
	}
	dbFile.SetMaxOpenConns(1)

	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		_ = dbFile.Close()
		return nil, storageError("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = dbFile.Close()
		return nil, storageError("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		_ = dbFile.Close()
		return nil, storageError("create migrate instance: %w", err)
	}

	migrateErr := m.Up()

	fields := []any{"dbPath", dbPath}
	version, dirty, versionErr := m.Version()
	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.WarnContext(ctx, "Failed to fetch migration version",
			"error", versionErr,
			"dbPath", dbPath)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			_ = dbFile.Close()
			return nil, storageError("apply migrations: %w", migrateErr)
		}
		log.DebugContext(ctx, "No migrations to apply", fields...)
	} else {
		log.InfoContext(ctx, "DB is migrated", fields...)
	}

	return &SQLiteStore{db: dbFile, path: dbPath, loc: loc, log: log}, nil
}

// Merge inserts new posts and replaces latest in one transaction.
func (s *SQLiteStore) Merge(ctx context.Context, posts []fetcher.Post) (MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, storageError("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert, err := tx.PrepareContext(ctx, `insert or ignore into posts
		(id, author, author_name, text, url, links, created_at, created_unix, raw)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return MergeResult{}, storageError("prepare insert: %w", err)
	}
	defer insert.Close()

	var res MergeResult
	for _, p := range posts {
		if !validID(p) {
			res.SkippedInvalid++
			continue
		}

		links, err := json.Marshal(p.Links)
		if err != nil {
			return MergeResult{}, storageError("encode links of %s: %w", p.ID, err)
		}
		r, err := insert.ExecContext(ctx,
			p.ID, p.Author, p.AuthorName, p.Text, p.URL, string(links),
			p.CreatedAt.UTC().Format(time.RFC3339Nano), p.CreatedAt.Unix(), []byte(p.Raw))
		if err != nil {
			return MergeResult{}, storageError("insert post %s: %w", p.ID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return MergeResult{}, storageError("insert post %s: %w", p.ID, err)
		}
		if n == 0 {
			res.SkippedDuplicate++
		} else {
			res.Added++
		}
	}

	if _, err := tx.ExecContext(ctx, "delete from latest"); err != nil {
		return MergeResult{}, storageError("clear latest: %w", err)
	}
	for i, p := range posts {
		data, err := json.Marshal(p)
		if err != nil {
			return MergeResult{}, storageError("encode post %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, "insert into latest (position, post) values (?, ?)", i, string(data)); err != nil {
			return MergeResult{}, storageError("insert latest: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MergeResult{}, storageError("commit: %w", err)
	}

	s.log.DebugContext(ctx, "Merged posts",
		"added", res.Added,
		"skipped_duplicate", res.SkippedDuplicate,
		"skipped_invalid", res.SkippedInvalid)
	return res, nil
}

const postColumns = "id, author, author_name, text, url, links, created_at, raw"

func (s *SQLiteStore) Read(ctx context.Context, view View, filter Filter) ([]fetcher.Post, error) {
	if err := checkDailyFilter(view, filter); err != nil {
		return nil, err
	}

	var (
		posts []fetcher.Post
		err   error
	)
	switch view {
	case ViewLatest:
		posts, err = s.readLatest(ctx)
	case ViewAll:
		posts, err = s.queryPosts(ctx, "select "+postColumns+" from posts order by seq")
	case ViewDaily:
		start, perr := time.ParseInLocation(DayLayout, filter.Date, s.loc)
		if perr != nil {
			return nil, perr
		}
		end := start.AddDate(0, 0, 1)
		posts, err = s.queryPosts(ctx,
			"select "+postColumns+" from posts where created_unix >= ? and created_unix < ? order by seq",
			start.Unix(), end.Unix())
	default:
		return nil, fmt.Errorf("store: unknown view %q", view)
	}
	if err != nil {
		return nil, err
	}
	return applyFilter(posts, filter), nil
}

func (s *SQLiteStore) queryPosts(ctx context.Context, query string, args ...any) ([]fetcher.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("failed to execute query: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.ErrorContext(ctx, "Failed to close rows", "error", err)
		}
	}()

	var posts []fetcher.Post
	for rows.Next() {
		var (
			p         fetcher.Post
			links     string
			createdAt string
			raw       []byte
		)
		if err := rows.Scan(&p.ID, &p.Author, &p.AuthorName, &p.Text, &p.URL, &links, &createdAt, &raw); err != nil {
			return nil, storageError("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(links), &p.Links); err != nil {
			return nil, storageError("decode links of %s: %w", p.ID, err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, storageError("decode created_at of %s: %w", p.ID, err)
		}
		if len(raw) > 0 {
			p.Raw = json.RawMessage(raw)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate rows: %w", err)
	}
	return posts, nil
}

func (s *SQLiteStore) readLatest(ctx context.Context) ([]fetcher.Post, error) {
	rows, err := s.db.QueryContext(ctx, "select post from latest order by position")
	if err != nil {
		return nil, storageError("failed to execute query: %w", err)
	}
	defer rows.Close()

	var posts []fetcher.Post
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageError("failed to scan row: %w", err)
		}
		var p fetcher.Post
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, storageError("decode latest post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate rows: %w", err)
	}
	return posts, nil
}

func (s *SQLiteStore) LastSeen(ctx context.Context, account string) (time.Time, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"select created_at from posts where author = ? collate nocase order by created_unix desc, created_at desc limit 1",
		config.NormalizeAccount(account)).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageError("query last seen: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return time.Time{}, storageError("decode created_at: %w", err)
	}
	return t, nil
}

// dayCounts groups stored posts by day key in the store location.
func (s *SQLiteStore) dayCounts(ctx context.Context) (map[string]int, int, error) {
	rows, err := s.db.QueryContext(ctx, "select created_unix, count(*) from posts group by created_unix")
	if err != nil {
		return nil, 0, storageError("failed to execute query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	total := 0
	for rows.Next() {
		var unix int64
		var n int
		if err := rows.Scan(&unix, &n); err != nil {
			return nil, 0, storageError("failed to scan row: %w", err)
		}
		counts[DayKey(time.Unix(unix, 0), s.loc)] += n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError("iterate rows: %w", err)
	}
	return counts, total, nil
}

func sortedDays(counts map[string]int) []string {
	days := make([]string, 0, len(counts))
	for day := range counts {
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days
}

func (s *SQLiteStore) Days(ctx context.Context) ([]string, error) {
	counts, _, err := s.dayCounts(ctx)
	if err != nil {
		return nil, err
	}
	return sortedDays(counts), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	counts, total, err := s.dayCounts(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Driver: "sqlite", Location: s.loc.String(), Total: total}
	if err := s.db.QueryRowContext(ctx, "select count(*) from latest").Scan(&st.Latest); err != nil {
		return Stats{}, storageError("count latest: %w", err)
	}
	for _, day := range sortedDays(counts) {
		st.Days = append(st.Days, DayStat{Date: day, Count: counts[day]})
	}
	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{"delete from posts", "delete from latest"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return storageError("reset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit: %w", err)
	}
	s.log.InfoContext(ctx, "Cleared sqlite store", "dbPath", s.path)
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
