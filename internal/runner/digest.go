package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ryosukesatoh/tweet-digest/internal/publisher"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

// Digest runs the read -> summarize -> write -> publish pipeline over one
// store view.
type Digest struct {
	store      store.Store
	summarizer summarizer.Summarizer
	publishers []publisher.Publisher
	outputDir  string
	log        *slog.Logger
}

// NewDigest creates a new Digest. pubs may be empty.
func NewDigest(st store.Store, s summarizer.Summarizer, pubs []publisher.Publisher, outputDir string, log *slog.Logger) *Digest {
	return &Digest{
		store:      st,
		summarizer: s,
		publishers: pubs,
		outputDir:  outputDir,
		log:        log,
	}
}

// Run summarizes the posts of view and writes the artifact to the output
// directory, then hands it to the publishers. It returns the summary and the
// artifact path. An empty view yields summarizer.ErrNoPosts and no file.
func (d *Digest) Run(ctx context.Context, view store.View, filter store.Filter) (*summarizer.Summary, string, error) {
	d.log.InfoContext(ctx, "Starting digest", "view", view, "date", filter.Date)

	posts, err := d.store.Read(ctx, view, filter)
	if err != nil {
		return nil, "", fmt.Errorf("runner: read %s: %w", view, err)
	}
	if len(posts) == 0 {
		d.log.InfoContext(ctx, "No posts to summarize", "view", view)
		return nil, "", summarizer.ErrNoPosts
	}

	// Newest first, so a capped batch keeps the most recent posts.
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	d.log.InfoContext(ctx, "Summarizing posts", "count", len(posts))
	summary, err := d.summarizer.Summarize(ctx, posts)
	if err != nil {
		return nil, "", fmt.Errorf("runner: summarize failed: %w", err)
	}

	path, err := summarizer.WriteFile(d.outputDir, summary)
	if err != nil {
		return summary, "", fmt.Errorf("runner: write summary: %w", err)
	}
	d.log.InfoContext(ctx, "Wrote summary", "path", path, "title", summary.Title(), "posts", len(summary.SourcePostIDs))

	if len(d.publishers) == 0 {
		return summary, path, nil
	}
	if err := publisher.PublishAll(ctx, d.publishers, summary, d.log); err != nil {
		return summary, path, fmt.Errorf("runner: %w", err)
	}
	return summary, path, nil
}
