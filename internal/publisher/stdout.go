package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

// StdoutPublisher prints the summary to stdout.
type StdoutPublisher struct {
	out io.Writer
}

// NewStdoutPublisher creates a new StdoutPublisher.
func NewStdoutPublisher() *StdoutPublisher {
	return &StdoutPublisher{out: os.Stdout}
}

func (p *StdoutPublisher) Publish(_ context.Context, s *summarizer.Summary) error {
	w := p.out
	if w == nil {
		w = os.Stdout
	}

	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, s.Title())
	fmt.Fprintf(w, "Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04"))
	if s.Source != "" {
		fmt.Fprintf(w, "Source: %s (%d posts)\n", s.Source, len(s.SourcePostIDs))
	}
	if s.Model != "" {
		fmt.Fprintf(w, "Model: %s\n", s.Model)
	}
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w)
	fmt.Fprintln(w, s.Body())
	fmt.Fprintln(w)
	_, err := fmt.Fprintln(w, strings.Repeat("=", 72))
	return err
}
