package summarizer

import (
	"github.com/ryosukesatoh/tweet-digest/internal/config"
)

// New creates a new summarizer based on the configuration
func New(cfg *config.Config) (Summarizer, error) {
	if err := cfg.ValidateSummarizer(); err != nil {
		return nil, err
	}
	return NewOpenAISummarizer(cfg.Summarizer)
}
