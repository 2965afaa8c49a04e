package summarizer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

// ErrNoPosts is returned when there is nothing to summarize.
var ErrNoPosts = errors.New("summarizer: no posts to summarize")

// Summary is an AI-generated Markdown digest of a batch of posts.
type Summary struct {
	ID            uuid.UUID `yaml:"id"`
	Source        string    `yaml:"source"`
	From          time.Time `yaml:"from"`
	To            time.Time `yaml:"to"`
	SourcePostIDs []string  `yaml:"post_ids"`
	Model         string    `yaml:"model"`
	CreatedAt     time.Time `yaml:"created_at"`
	Markdown      string    `yaml:"-"`
}

// DefaultTitle is used when the Markdown has no top-level heading.
const DefaultTitle = "AI News Summary"

// Title returns the text of a leading "# " heading, or DefaultTitle.
func (s *Summary) Title() string {
	if title, _, ok := splitHeading(s.Markdown); ok {
		return title
	}
	return DefaultTitle
}

// Body returns the Markdown without its leading "# " heading.
func (s *Summary) Body() string {
	if _, body, ok := splitHeading(s.Markdown); ok {
		return body
	}
	return strings.TrimSpace(s.Markdown)
}

func splitHeading(md string) (string, string, bool) {
	md = strings.TrimLeft(md, "\n")
	first, rest, _ := strings.Cut(md, "\n")
	if !strings.HasPrefix(first, "# ") {
		return "", "", false
	}
	return strings.TrimSpace(first[2:]), strings.TrimSpace(rest), true
}

// Summarizer turns posts into a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, posts []fetcher.Post) (*Summary, error)
}
