package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
)

const twitterAPIOp = "twitterapi"

// twitterapi.io advanced search JSON structures

type searchResponse struct {
	Tweets      []json.RawMessage `json:"tweets"`
	HasNextPage bool              `json:"has_next_page"`
	NextCursor  string            `json:"next_cursor"`
	Status      string            `json:"status"`
	Msg         string            `json:"msg"`
}

type searchTweet struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"`
	Author    searchAuthor `json:"author"`
}

type searchAuthor struct {
	UserName string `json:"userName"`
	Name     string `json:"name"`
}

// TwitterAPIFetcher fetches tweets through the twitterapi.io advanced search
// endpoint, one query per account.
type TwitterAPIFetcher struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	maxPages  int
	pageDelay time.Duration
	now       func() time.Time
}

// NewTwitterAPIFetcher creates a new TwitterAPIFetcher. maxPages below one
// is raised to one.
func NewTwitterAPIFetcher(baseURL, apiKey string, maxPages int, pageDelay, timeout time.Duration) *TwitterAPIFetcher {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &TwitterAPIFetcher{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		maxPages:  maxPages,
		pageDelay: pageDelay,
		now:       time.Now,
	}
}

// Fetch returns the account's tweets newer than since, newest first.
func (f *TwitterAPIFetcher) Fetch(ctx context.Context, account string, since time.Time) ([]Post, error) {
	account, err := checkAccount(twitterAPIOp, account)
	if err != nil {
		return nil, err
	}

	query := searchQuery(account, since)

	var posts []Post
	cursor := ""
	for page := 0; page < f.maxPages; page++ {
		if page > 0 && f.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, failure.New(failure.ErrNetwork, twitterAPIOp, ctx.Err())
			case <-time.After(f.pageDelay):
			}
		}

		resp, err := f.searchPage(ctx, query, cursor)
		if err != nil {
			return nil, err
		}

		for _, raw := range resp.Tweets {
			p, err := f.decodeTweet(account, raw)
			if err != nil {
				return nil, err
			}
			posts = append(posts, p)
		}

		if !resp.HasNextPage || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	return finalize(posts, since), nil
}

// searchQuery builds "from:<account> since:<YYYY-MM-DD_HH:MM:SS_UTC>".
func searchQuery(account string, since time.Time) string {
	q := "from:" + account
	if !since.IsZero() {
		q += " since:" + since.UTC().Format("2006-01-02_15:04:05") + "_UTC"
	}
	return q
}

func (f *TwitterAPIFetcher) searchPage(ctx context.Context, query, cursor string) (*searchResponse, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("queryType", "Latest")
	params.Set("cursor", cursor)

	reqURL := fmt.Sprintf("%s/twitter/tweet/advanced_search?%s", f.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, failure.Newf(failure.ErrNetwork, twitterAPIOp, "failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, failure.Newf(failure.ErrNetwork, twitterAPIOp, "request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure.FromStatus(twitterAPIOp, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Newf(failure.ErrNetwork, twitterAPIOp, "failed to read response: %w", err)
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, failure.Newf(failure.ErrMalformedResponse, twitterAPIOp, "failed to parse JSON: %w", err)
	}
	if sr.Status == "error" {
		return nil, failure.Newf(failure.ErrMalformedResponse, twitterAPIOp, "API error: %s", sr.Msg)
	}

	return &sr, nil
}

func (f *TwitterAPIFetcher) decodeTweet(account string, raw json.RawMessage) (Post, error) {
	p, err := PostFromSearchJSON(raw, f.now())
	if err != nil {
		return Post{}, err
	}
	if p.Author == "" {
		p.Author = account
	}
	return p, nil
}

// PostFromSearchJSON converts one twitterapi.io tweet object into a Post and
// keeps the object as Raw. An unparseable createdAt falls back to fetchedAt.
func PostFromSearchJSON(raw json.RawMessage, fetchedAt time.Time) (Post, error) {
	var t searchTweet
	if err := json.Unmarshal(raw, &t); err != nil {
		return Post{}, failure.Newf(failure.ErrMalformedResponse, twitterAPIOp, "failed to parse tweet: %w", err)
	}

	createdAt, err := parseTweetTime(t.CreatedAt)
	if err != nil {
		createdAt = fetchedAt.UTC()
	}

	return Post{
		ID:         t.ID,
		Author:     t.Author.UserName,
		AuthorName: t.Author.Name,
		Text:       t.Text,
		URL:        t.URL,
		Links:      extractLinks(t.Text),
		CreatedAt:  createdAt,
		Raw:        append(json.RawMessage(nil), raw...),
	}, nil
}

// parseTweetTime accepts the classic Twitter layout
// ("Tue Dec 10 07:00:30 +0000 2024") and RFC 3339.
func parseTweetTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RubyDate, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
