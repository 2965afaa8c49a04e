package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/retry"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

const discordOp = "discord"

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordWebhookPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Webhook limits per message.
const (
	discordMaxEmbeds     = 10
	discordMaxChars      = 6000
	discordMaxTitle      = 256
	discordMaxDesc       = 4096
	discordBatchDelay    = 500 * time.Millisecond
	discordEmbedColor    = 0x1DA1F2
	discordEmptyEmbedTxt = "\u200b"
)

// DiscordPublisher posts a summary to a channel webhook as embeds: an
// overview followed by one embed per "## " section.
type DiscordPublisher struct {
	webhookURL  string
	username    string
	client      *http.Client
	retryConfig retry.Config
	batchDelay  time.Duration
	log         *slog.Logger
}

// NewDiscordPublisher creates a new DiscordPublisher.
func NewDiscordPublisher(cfg config.DiscordConfig, log *slog.Logger) *DiscordPublisher {
	return &DiscordPublisher{
		webhookURL:  cfg.WebhookURL,
		username:    cfg.Username,
		client:      &http.Client{Timeout: 30 * time.Second},
		retryConfig: retry.DefaultConfig(),
		batchDelay:  discordBatchDelay,
		log:         log,
	}
}

// Publish sends the summary to Discord as a series of rich embeds.
func (d *DiscordPublisher) Publish(ctx context.Context, s *summarizer.Summary) error {
	batches := batchEmbeds(d.buildEmbeds(s))

	for i, batch := range batches {
		err := retry.WithBackoff(ctx, d.retryConfig, func(ctx context.Context) error {
			return d.sendWebhook(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("discord: batch %d/%d: %w", i+1, len(batches), err)
		}
		d.logger().DebugContext(ctx, "Sent Discord batch", "batch", i+1, "batches", len(batches), "embeds", len(batch))

		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.batchDelay):
			}
		}
	}
	return nil
}

func (d *DiscordPublisher) logger() *slog.Logger {
	if d.log == nil {
		return slog.Default()
	}
	return d.log
}

// buildEmbeds creates the overview embed and one embed per "## " section.
func (d *DiscordPublisher) buildEmbeds(s *summarizer.Summary) []discordEmbed {
	sections := splitSections(s.Body())
	embeds := make([]discordEmbed, 0, len(sections)+1)

	overview := discordEmbed{
		Title:     truncate(s.Title(), discordMaxTitle),
		Color:     discordEmbedColor,
		Footer:    &discordEmbedFooter{Text: footerText(s)},
		Timestamp: s.CreatedAt.Format(time.RFC3339),
	}
	if len(sections) > 0 && sections[0].Heading == "" {
		overview.Description = truncate(sections[0].Text, discordMaxDesc)
		sections = sections[1:]
	}
	if n := len(s.SourcePostIDs); n > 0 {
		overview.Fields = append(overview.Fields, discordEmbedField{Name: "Posts", Value: strconv.Itoa(n), Inline: true})
	}
	if s.Source != "" {
		overview.Fields = append(overview.Fields, discordEmbedField{Name: "Source", Value: s.Source, Inline: true})
	}
	if !s.From.IsZero() && !s.To.IsZero() {
		overview.Fields = append(overview.Fields, discordEmbedField{
			Name:   "Range",
			Value:  s.From.Format("2006-01-02") + " to " + s.To.Format("2006-01-02"),
			Inline: true,
		})
	}
	embeds = append(embeds, overview)

	for _, sec := range sections {
		e := discordEmbed{
			Title:       truncate(sec.Heading, discordMaxTitle),
			Description: truncate(sec.Text, discordMaxDesc),
			Color:       discordEmbedColor,
		}
		if e.Description == "" {
			e.Description = discordEmptyEmbedTxt
		}
		embeds = append(embeds, e)
	}

	return embeds
}

func footerText(s *summarizer.Summary) string {
	if s.Model == "" {
		return s.CreatedAt.Format("2006-01-02")
	}
	return s.CreatedAt.Format("2006-01-02") + " · " + s.Model
}

// batchEmbeds groups embeds into webhook messages within the per-message limits.
func batchEmbeds(embeds []discordEmbed) [][]discordEmbed {
	var batches [][]discordEmbed
	var current []discordEmbed
	currentChars := 0

	for _, e := range embeds {
		ec := embedCharCount(e)

		if len(current) > 0 && (len(current) >= discordMaxEmbeds || currentChars+ec > discordMaxChars) {
			batches = append(batches, current)
			current = nil
			currentChars = 0
		}

		current = append(current, e)
		currentChars += ec
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

func (d *DiscordPublisher) sendWebhook(ctx context.Context, embeds []discordEmbed) error {
	payload := discordWebhookPayload{Username: d.username, Embeds: embeds}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return failure.Newf(failure.ErrNetwork, discordOp, "send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return failure.FromStatus(discordOp, resp.StatusCode)
	}

	return nil
}

// truncate shortens s to max bytes, preferring a sentence boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := strings.ToValidUTF8(s[:max-len("…")], "")
	if idx := strings.LastIndexAny(cut, ".!?"); idx > max/2 {
		return cut[:idx+1]
	}
	return cut + "…"
}

// embedCharCount counts the embed text Discord charges against the message limit.
func embedCharCount(e discordEmbed) int {
	n := len(e.Title) + len(e.Description)
	for _, f := range e.Fields {
		n += len(f.Name) + len(f.Value)
	}
	if e.Footer != nil {
		n += len(e.Footer.Text)
	}
	return n
}
