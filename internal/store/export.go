package store

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

// ExportFileName is the default name of a Markdown export created at now.
func ExportFileName(now time.Time) string {
	return "tweets_export_" + now.Format("20060102_150405") + ".md"
}

// ExportMarkdown renders posts as a Markdown document, one section per post.
func ExportMarkdown(w io.Writer, posts []fetcher.Post, now time.Time) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# Tweet Digest - Collected Posts\n\n")
	fmt.Fprintf(bw, "Generated: %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(bw, "Posts: %d\n\n", len(posts))
	fmt.Fprintf(bw, "---\n\n")

	for _, p := range posts {
		name := p.AuthorName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(bw, "### @%s (%s)\n\n", p.Author, name)
		fmt.Fprintf(bw, "%s\n\n", strings.TrimSpace(p.Text))
		if p.URL != "" {
			fmt.Fprintf(bw, "- [View post](%s)\n", p.URL)
		}
		if !p.CreatedAt.IsZero() {
			fmt.Fprintf(bw, "- Posted: %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(bw, "\n---\n\n")
	}

	return bw.Flush()
}
