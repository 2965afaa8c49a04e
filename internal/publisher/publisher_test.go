package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/retry"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSummary() *summarizer.Summary {
	return &summarizer.Summary{
		ID:            uuid.MustParse("6f1c9a52-8f3e-4a44-9b1e-2f64a0d5c7e1"),
		Source:        "latest",
		From:          time.Date(2025, 1, 14, 9, 0, 0, 0, time.UTC),
		To:            time.Date(2025, 1, 15, 7, 30, 0, 0, time.UTC),
		SourcePostIDs: []string{"101", "102", "103"},
		Model:         "gpt-4o-mini",
		CreatedAt:     time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
		Markdown: `# AI Daily Brief

Overview of today's posts on machine learning.

## Models

- A new open model was released.

## Research

- A paper on **reasoning** got attention.`,
	}
}

func TestStdoutPublish(t *testing.T) {
	var buf bytes.Buffer
	pub := &StdoutPublisher{out: &buf}

	if err := pub.Publish(context.Background(), sampleSummary()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"AI Daily Brief",
		"Source: latest (3 posts)",
		"Model: gpt-4o-mini",
		"Overview of today's posts",
		"## Models",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
	if strings.Contains(output, "# AI Daily Brief") {
		t.Error("Expected the title heading to be printed without the markdown marker")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		check func(string) bool
		desc  string
	}{
		{
			name:  "short string unchanged",
			input: "hello",
			max:   10,
			check: func(s string) bool { return s == "hello" },
			desc:  "expected 'hello'",
		},
		{
			name:  "exact length unchanged",
			input: "hello",
			max:   5,
			check: func(s string) bool { return s == "hello" },
			desc:  "expected 'hello'",
		},
		{
			name:  "long string truncated with ellipsis",
			input: "This is a very long string that should be truncated.",
			max:   20,
			check: func(s string) bool { return len(s) <= 20 && strings.HasSuffix(s, "…") },
			desc:  "expected truncated string ending with ellipsis",
		},
		{
			name:  "truncation prefers sentence boundary",
			input: "A long enough first sentence. The rest is extra padding text here.",
			max:   40,
			check: func(s string) bool { return s == "A long enough first sentence." },
			desc:  "expected truncation at sentence boundary",
		},
		{
			name:  "multibyte text stays valid",
			input: strings.Repeat("日本語", 10),
			max:   20,
			check: func(s string) bool { return len(s) <= 20 && strings.HasSuffix(s, "…") && !strings.Contains(s, "�") },
			desc:  "expected valid UTF-8 cut",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.max)
			if !tt.check(result) {
				t.Errorf("%s, got %q", tt.desc, result)
			}
		})
	}
}

func TestSplitSections(t *testing.T) {
	sections := splitSections(sampleSummary().Body())
	if len(sections) != 3 {
		t.Fatalf("Expected 3 sections, got %d: %+v", len(sections), sections)
	}
	if sections[0].Heading != "" || !strings.HasPrefix(sections[0].Text, "Overview") {
		t.Errorf("Expected preamble section first, got %+v", sections[0])
	}
	if sections[1].Heading != "Models" {
		t.Errorf("Expected heading 'Models', got %q", sections[1].Heading)
	}
	if sections[2].Text != "- A paper on **reasoning** got attention." {
		t.Errorf("Unexpected research text %q", sections[2].Text)
	}
}

func TestBuildHTMLBody(t *testing.T) {
	body := buildHTMLBody(sampleSummary())

	for _, want := range []string{
		"<h1>AI Daily Brief</h1>",
		"<h2>Models</h2>",
		"<strong>reasoning</strong>",
		"3 posts",
		"2025-01-14 to 2025-01-15",
		"gpt-4o-mini",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected HTML to contain %q", want)
		}
	}
}

func TestEmbedCharCount(t *testing.T) {
	e := discordEmbed{
		Title:       "Title",       // 5
		Description: "Description", // 11
		Fields: []discordEmbedField{
			{Name: "Field", Value: "Value"}, // 5 + 5 = 10
		},
		Footer: &discordEmbedFooter{Text: "Footer"}, // 6
	}

	count := embedCharCount(e)
	expected := 5 + 11 + 5 + 5 + 6
	if count != expected {
		t.Errorf("Expected char count %d, got %d", expected, count)
	}
}

func TestEmbedCharCountNoFooter(t *testing.T) {
	e := discordEmbed{
		Title:       "Title",
		Description: "Desc",
	}

	count := embedCharCount(e)
	if count != 9 {
		t.Errorf("Expected char count 9, got %d", count)
	}
}

func TestBatchEmbedsUnder10(t *testing.T) {
	embeds := make([]discordEmbed, 5)
	for i := range embeds {
		embeds[i] = discordEmbed{Title: "T"}
	}

	batches := batchEmbeds(embeds)
	if len(batches) != 1 {
		t.Errorf("Expected 1 batch for 5 embeds, got %d", len(batches))
	}
	if len(batches[0]) != 5 {
		t.Errorf("Expected 5 embeds in batch, got %d", len(batches[0]))
	}
}

func TestBatchEmbedsOver10(t *testing.T) {
	embeds := make([]discordEmbed, 12)
	for i := range embeds {
		embeds[i] = discordEmbed{Title: "T"}
	}

	batches := batchEmbeds(embeds)
	if len(batches) != 2 {
		t.Errorf("Expected 2 batches for 12 embeds, got %d", len(batches))
	}
	if len(batches[0]) != 10 {
		t.Errorf("Expected 10 embeds in first batch, got %d", len(batches[0]))
	}
	if len(batches[1]) != 2 {
		t.Errorf("Expected 2 embeds in second batch, got %d", len(batches[1]))
	}
}

func TestBatchEmbedsCharLimit(t *testing.T) {
	// Each embed has 2000 chars. 3 embeds = 6000 chars, so the 4th should start a new batch.
	embeds := make([]discordEmbed, 4)
	for i := range embeds {
		embeds[i] = discordEmbed{Description: strings.Repeat("x", 2000)}
	}

	batches := batchEmbeds(embeds)
	if len(batches) != 2 {
		t.Errorf("Expected 2 batches due to char limit, got %d", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Errorf("Expected 3 embeds in first batch, got %d", len(batches[0]))
	}
	if len(batches[1]) != 1 {
		t.Errorf("Expected 1 embed in second batch, got %d", len(batches[1]))
	}
}

func TestDiscordPublishWithMockWebhook(t *testing.T) {
	var receivedPayloads []discordWebhookPayload

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		var payload discordWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("Failed to parse webhook payload: %v", err)
		}
		receivedPayloads = append(receivedPayloads, payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	pub := NewDiscordPublisher(config.DiscordConfig{WebhookURL: ts.URL, Username: "digest-bot"}, testLogger())
	pub.client = ts.Client()

	err := pub.Publish(context.Background(), sampleSummary())
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(receivedPayloads) == 0 {
		t.Fatal("No webhook payloads received")
	}

	// 1 overview + 2 sections, one batch
	total := 0
	for _, p := range receivedPayloads {
		total += len(p.Embeds)
	}
	if total != 3 {
		t.Errorf("Expected 3 total embeds (1 overview + 2 sections), got %d", total)
	}

	overview := receivedPayloads[0].Embeds[0]
	if overview.Title != "AI Daily Brief" {
		t.Errorf("Expected overview title 'AI Daily Brief', got %q", overview.Title)
	}
	if !strings.HasPrefix(overview.Description, "Overview of today's posts") {
		t.Errorf("Expected overview description from preamble, got %q", overview.Description)
	}
	if len(overview.Fields) != 3 || overview.Fields[0].Value != "3" || overview.Fields[1].Value != "latest" {
		t.Errorf("Expected Posts, Source and Range fields, got %+v", overview.Fields)
	}
	if overview.Footer == nil || overview.Footer.Text != "2025-01-15 · gpt-4o-mini" {
		t.Errorf("Expected footer with date and model, got %+v", overview.Footer)
	}
	if receivedPayloads[0].Username != "digest-bot" {
		t.Errorf("Expected username digest-bot, got %q", receivedPayloads[0].Username)
	}
	if got := receivedPayloads[0].Embeds[1].Title; got != "Models" {
		t.Errorf("Expected second embed 'Models', got %q", got)
	}
}

func TestDiscordPublishWebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	pub := &DiscordPublisher{
		webhookURL: ts.URL,
		client:     ts.Client(),
	}

	err := pub.Publish(context.Background(), sampleSummary())
	if err == nil {
		t.Fatal("Expected error for webhook failure")
	}
	if !strings.Contains(err.Error(), "unexpected status 400") {
		t.Errorf("Expected 'unexpected status 400' error, got: %v", err)
	}
	if !errors.Is(err, failure.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestDiscordPublishRetriesServerError(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	pub := &DiscordPublisher{
		webhookURL:  ts.URL,
		client:      ts.Client(),
		retryConfig: retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond},
	}

	if err := pub.Publish(context.Background(), sampleSummary()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestEmailPublish(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth

	pub := NewEmailPublisher(config.EmailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		Username: "bot",
		Password: "secret",
		From:     "bot@example.com",
		To:       []string{"a@example.com", "b@example.com"},
	}, testLogger())
	pub.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	if err := pub.Publish(context.Background(), sampleSummary()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Errorf("Expected addr smtp.example.com:587, got %q", gotAddr)
	}
	if gotAuth == nil {
		t.Error("Expected PlainAuth when a username is set")
	}
	if gotFrom != "bot@example.com" || len(gotTo) != 2 {
		t.Errorf("Unexpected envelope from=%q to=%v", gotFrom, gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: AI Daily Brief - 2025-01-15",
		"To: a@example.com, b@example.com",
		"Message-ID: <6f1c9a52-8f3e-4a44-9b1e-2f64a0d5c7e1@smtp.example.com>",
		"Content-Type: multipart/alternative",
		"Content-Type: text/plain",
		"## Research",
		"Content-Type: text/html",
		"<h2>Research</h2>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q", want)
		}
	}
}

func TestEmailPublishErrors(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
		want    error
	}{
		{"dial failure", errors.New("dial tcp: connection refused"), failure.ErrNetwork},
		{"bad credentials", &textproto.Error{Code: 535, Msg: "authentication failed"}, failure.ErrAuth},
		{"mailbox rejected", &textproto.Error{Code: 550, Msg: "no such user"}, failure.ErrMalformedResponse},
		{"greylisted", &textproto.Error{Code: 451, Msg: "try again later"}, failure.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewEmailPublisher(config.EmailConfig{
				SMTPHost: "localhost",
				SMTPPort: 25,
				From:     "bot@example.com",
				To:       []string{"a@example.com"},
			}, testLogger())
			pub.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
				if a != nil {
					t.Error("Expected no auth without a username")
				}
				return tt.sendErr
			}

			err := pub.Publish(context.Background(), sampleSummary())
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if err == nil || !strings.HasPrefix(err.Error(), "email:") {
				t.Errorf("Expected error prefixed with email:, got %v", err)
			}
		})
	}
}

type mockPublisher struct {
	err   error
	calls int
}

func (m *mockPublisher) Publish(context.Context, *summarizer.Summary) error {
	m.calls++
	return m.err
}

func TestPublishAllContinuesPastFailures(t *testing.T) {
	failing := &mockPublisher{err: errors.New("boom")}
	ok := &mockPublisher{}

	err := PublishAll(context.Background(), []Publisher{failing, ok}, sampleSummary(), testLogger())
	if err != nil {
		t.Fatalf("Expected no error when one publisher succeeds, got %v", err)
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Errorf("Expected both publishers called once, got %d and %d", failing.calls, ok.calls)
	}
}

func TestPublishAllAllFail(t *testing.T) {
	sentinel := errors.New("boom")
	pubs := []Publisher{&mockPublisher{err: sentinel}, &mockPublisher{err: sentinel}}

	err := PublishAll(context.Background(), pubs, sampleSummary(), testLogger())
	if err == nil {
		t.Fatal("Expected error when all publishers fail")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected joined error to wrap the cause, got %v", err)
	}
}

func TestNew(t *testing.T) {
	cfg := &config.Config{}
	cfg.Publisher.Types = []string{"stdout", "web", "discord"}
	cfg.Publisher.Web.Addr = ":0"
	cfg.Publisher.Discord.WebhookURL = "https://discord.example.com/hook"

	pubs, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if len(pubs) != 2 {
		t.Fatalf("Expected 2 publishers without web, got %d", len(pubs))
	}
	if _, ok := pubs[0].(*StdoutPublisher); !ok {
		t.Errorf("Expected StdoutPublisher first, got %T", pubs[0])
	}
	if _, ok := pubs[1].(*DiscordPublisher); !ok {
		t.Errorf("Expected DiscordPublisher last, got %T", pubs[1])
	}
}

func TestNewRejectsWebOnly(t *testing.T) {
	cfg := &config.Config{}
	cfg.Publisher.Types = []string{"web"}
	cfg.Publisher.Web.Addr = ":0"

	_, err := New(cfg, testLogger())
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig for a web-only list, got %v", err)
	}
}

func TestPublishAllReportsFailureWhenWebConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	cfg := &config.Config{}
	cfg.Publisher.Types = []string{"discord", "web"}
	cfg.Publisher.Web.Addr = ":0"
	cfg.Publisher.Discord.WebhookURL = ts.URL

	pubs, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if len(pubs) != 1 {
		t.Fatalf("Expected only the discord publisher, got %d", len(pubs))
	}

	err = PublishAll(context.Background(), pubs, sampleSummary(), testLogger())
	if err == nil {
		t.Fatal("Expected the discord failure to be reported")
	}
	if !errors.Is(err, failure.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Publisher.Types = []string{"discord"}

	_, err := New(cfg, testLogger())
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig for missing webhook, got %v", err)
	}
}
