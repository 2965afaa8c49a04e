package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

// Publisher publishes a summary to some output destination.
type Publisher interface {
	Publish(ctx context.Context, summary *summarizer.Summary) error
}

// New builds the publishers listed in publisher.types, in order. "web" is
// not built here: the page is served by "tweet-digest serve", which picks up
// new artifacts from the output directory on its own. A list holding only
// "web" is a configuration error.
func New(cfg *config.Config, log *slog.Logger) ([]Publisher, error) {
	if err := cfg.ValidatePublishers(); err != nil {
		return nil, err
	}

	pubs := make([]Publisher, 0, len(cfg.Publisher.Types))
	for _, t := range cfg.Publisher.Types {
		switch t {
		case "feishu":
			pubs = append(pubs, NewFeishuPublisher(cfg.Feishu, log))
		case "stdout":
			pubs = append(pubs, NewStdoutPublisher())
		case "web":
			log.Info("Skipping web publisher; run 'tweet-digest serve' to serve summaries", "dir", cfg.Summarizer.OutputDir)
		case "discord":
			pubs = append(pubs, NewDiscordPublisher(cfg.Publisher.Discord, log))
		case "email":
			pubs = append(pubs, NewEmailPublisher(cfg.Publisher.Email, log))
		default:
			return nil, fmt.Errorf("publisher: unsupported type %q", t)
		}
	}
	if len(pubs) == 0 {
		return nil, failure.Newf(failure.ErrConfig, "publisher", "no publisher to send to in %v; summaries are served by 'tweet-digest serve'", cfg.Publisher.Types)
	}
	return pubs, nil
}

// PublishAll sends summary to every publisher. A failing publisher does not
// stop the others; an error is returned only when all of them fail.
func PublishAll(ctx context.Context, pubs []Publisher, summary *summarizer.Summary, log *slog.Logger) error {
	var errs []error
	for _, pub := range pubs {
		name := fmt.Sprintf("%T", pub)
		log.InfoContext(ctx, "Publishing summary", "publisher", name, "title", summary.Title())
		if err := pub.Publish(ctx, summary); err != nil {
			errs = append(errs, fmt.Errorf("publish via %s failed: %w", name, err))
			log.WarnContext(ctx, "Publisher failed", "publisher", name, "error", err)
			continue
		}
		log.InfoContext(ctx, "Published summary", "publisher", name)
	}

	if len(errs) > 0 && len(errs) == len(pubs) {
		return fmt.Errorf("publisher: all publishers failed: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.WarnContext(ctx, "Published with failures", "failed", len(errs), "publishers", len(pubs))
	}
	return nil
}
