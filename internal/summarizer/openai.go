package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

const openaiOp = "summarizer"

var (
	thinkBlockRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<thinker_block>.*?</thinker_block>`),
		regexp.MustCompile(`(?is)<think>.*?</think>`),
		regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
		regexp.MustCompile(`(?is)\[THINKING\].*?\[/THINKING\]`),
	}
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// OpenAISummarizer calls an OpenAI-compatible Chat Completions endpoint.
type OpenAISummarizer struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxPosts    int
	source      string
	prompt      *prompt
	now         func() time.Time
}

// NewOpenAISummarizer builds a new summarizer instance. The SDK's own retries
// are disabled.
func NewOpenAISummarizer(cfg config.SummarizerConfig) (*OpenAISummarizer, error) {
	p, err := newPrompt(cfg.SystemPrompt, cfg.UserPrompt)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout.Duration > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout.Duration))
	}

	temperature := config.DefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	return &OpenAISummarizer{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: temperature,
		maxPosts:    cfg.MaxPosts,
		source:      cfg.Source,
		prompt:      p,
		now:         time.Now,
	}, nil
}

// Summarize produces a Markdown digest of posts. It returns ErrNoPosts for
// an empty batch without calling the API.
func (s *OpenAISummarizer) Summarize(ctx context.Context, posts []fetcher.Post) (*Summary, error) {
	if len(posts) == 0 {
		return nil, ErrNoPosts
	}
	if s.maxPosts > 0 && len(posts) > s.maxPosts {
		posts = posts[:s.maxPosts]
	}

	userPrompt, err := s.prompt.render(s.source, posts)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(s.prompt.system),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(s.temperature),
	}
	if s.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.maxTokens))
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, failure.Newf(failure.ErrMalformedResponse, openaiOp, "response has no choices")
	}

	msg := resp.Choices[0].Message
	text := msg.Content
	if strings.TrimSpace(text) == "" {
		text = reasoningContent(msg.RawJSON())
	}
	text = cleanOutput(text)
	if text == "" {
		return nil, failure.Newf(failure.ErrMalformedResponse, openaiOp, "response content is empty")
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}

	from, to := postRange(posts)
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	return &Summary{
		ID:            uuid.New(),
		Source:        s.source,
		From:          from,
		To:            to,
		SourcePostIDs: ids,
		Markdown:      text,
		Model:         model,
		CreatedAt:     s.now(),
	}, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return failure.New(failure.StatusKind(apiErr.StatusCode), openaiOp, err)
	}
	return failure.Newf(failure.ErrNetwork, openaiOp, "request failed: %w", err)
}

// reasoningContent reads the non-standard reasoning_content field some
// OpenAI-compatible servers return instead of content.
func reasoningContent(raw string) string {
	if raw == "" {
		return ""
	}
	var m struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ""
	}
	return m.ReasoningContent
}

// cleanOutput strips model thinking blocks and collapses runs of blank lines.
func cleanOutput(text string) string {
	for _, re := range thinkBlockRes {
		text = re.ReplaceAllString(text, "")
	}
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func postRange(posts []fetcher.Post) (from, to time.Time) {
	for _, p := range posts {
		if p.CreatedAt.IsZero() {
			continue
		}
		if from.IsZero() || p.CreatedAt.Before(from) {
			from = p.CreatedAt
		}
		if p.CreatedAt.After(to) {
			to = p.CreatedAt
		}
	}
	return from, to
}
