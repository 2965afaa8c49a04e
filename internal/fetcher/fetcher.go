package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"mvdan.cc/xurls/v2"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
)

// Post is a single collected tweet. ID is its identity; every other field is
// informational.
type Post struct {
	ID         string          `json:"id"`
	Author     string          `json:"author"`
	AuthorName string          `json:"author_name,omitempty"`
	Text       string          `json:"text"`
	URL        string          `json:"url,omitempty"`
	Links      []string        `json:"links,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Fetcher returns the posts of one account created after since, newest
// first. A zero since means no lower bound. Implementations never retry.
type Fetcher interface {
	Fetch(ctx context.Context, account string, since time.Time) ([]Post, error)
}

// New creates a new fetcher based on the configuration
func New(cfg *config.Config) (Fetcher, error) {
	switch cfg.Monitor.Fetcher {
	case "twitterapi":
		tc := cfg.Monitor.TwitterAPI
		return NewTwitterAPIFetcher(tc.BaseURL, tc.APIKey, tc.MaxPages, tc.PageDelay.Duration, tc.Timeout.Duration), nil
	case "nitter":
		return NewNitterFetcher(cfg.Monitor.Nitter.BaseURL, cfg.Monitor.Nitter.Timeout.Duration), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFetcherType, cfg.Monitor.Fetcher)
	}
}

// ErrUnsupportedFetcherType is returned when an unsupported fetcher type is specified
var ErrUnsupportedFetcherType = failure.New(failure.ErrConfig, "fetcher", fmt.Errorf("unsupported fetcher type"))

func checkAccount(op, account string) (string, error) {
	account = config.NormalizeAccount(account)
	if account == "" {
		return "", failure.Newf(failure.ErrConfig, op, "account handle is empty")
	}
	return account, nil
}

// finalize drops posts at or before since, removes duplicate ids keeping the
// first occurrence, and orders the result newest first.
func finalize(posts []Post, since time.Time) []Post {
	seen := make(map[string]struct{}, len(posts))
	out := make([]Post, 0, len(posts))
	for _, p := range posts {
		if p.ID == "" {
			continue
		}
		if !since.IsZero() && !p.CreatedAt.After(since) {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var httpsURLRe = xurls.Strict()

// extractLinks returns the distinct http(s) links found in text.
func extractLinks(text string) []string {
	var links []string
	seen := make(map[string]struct{})
	for _, link := range httpsURLRe.FindAllString(text, -1) {
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}
