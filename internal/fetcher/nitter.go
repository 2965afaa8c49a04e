package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
)

const nitterOp = "nitter"

var statusIDRe = regexp.MustCompile(`/status/(\d+)`)

// NitterFetcher reads an account's timeline from a Nitter instance's RSS feed.
// It needs no credentials but only sees the most recent page of the timeline.
type NitterFetcher struct {
	client  *http.Client
	parser  *gofeed.Parser
	baseURL string
}

// NewNitterFetcher creates a new NitterFetcher for the instance at baseURL.
func NewNitterFetcher(baseURL string, timeout time.Duration) *NitterFetcher {
	return &NitterFetcher{
		client:  &http.Client{Timeout: timeout},
		parser:  gofeed.NewParser(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Fetch returns the account's posts newer than since, newest first.
func (f *NitterFetcher) Fetch(ctx context.Context, account string, since time.Time) ([]Post, error) {
	account, err := checkAccount(nitterOp, account)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+account+"/rss", nil)
	if err != nil {
		return nil, failure.Newf(failure.ErrNetwork, nitterOp, "failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "tweet-digest/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, failure.Newf(failure.ErrNetwork, nitterOp, "request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure.FromStatus(nitterOp, resp.StatusCode)
	}

	feed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, failure.Newf(failure.ErrMalformedResponse, nitterOp, "failed to parse feed: %w", err)
	}

	posts := make([]Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		p, ok := f.convert(account, item)
		if !ok {
			continue
		}
		posts = append(posts, p)
	}

	return finalize(posts, since), nil
}

func (f *NitterFetcher) convert(account string, item *gofeed.Item) (Post, bool) {
	id := statusID(item.GUID)
	if id == "" {
		id = statusID(item.Link)
	}
	if id == "" {
		return Post{}, false
	}

	var createdAt time.Time
	if item.PublishedParsed != nil {
		createdAt = item.PublishedParsed.UTC()
	}

	text := htmlText(item.Description)
	if text == "" {
		text = strings.TrimSpace(item.Title)
	}

	var authorName string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		authorName = strings.TrimPrefix(item.Authors[0].Name, "@")
	}

	raw, err := json.Marshal(item)
	if err != nil {
		raw = nil
	}

	return Post{
		ID:         id,
		Author:     account,
		AuthorName: authorName,
		Text:       text,
		URL:        "https://x.com/" + account + "/status/" + id,
		Links:      extractLinks(text),
		CreatedAt:  createdAt,
		Raw:        raw,
	}, true
}

func statusID(s string) string {
	m := statusIDRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// htmlText flattens an HTML fragment to whitespace-normalized text. Line
// breaks survive, shortened link labels are replaced by their href, mentions
// and hashtags are left as written.
func htmlText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if strings.HasPrefix(text, "@") || strings.HasPrefix(text, "#") {
			return
		}
		if href, ok := s.Attr("href"); ok && strings.HasPrefix(href, "http") {
			s.SetText(href)
		}
	})

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
