package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/retry"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

const (
	feishuOp = "feishu"

	// tokenRefreshMargin is how long before expiry a cached token is renewed.
	tokenRefreshMargin = 5 * time.Minute
)

// Feishu error codes that mean the tenant token is no longer valid.
var feishuTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991668: true,
}

type feishuTokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type feishuTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type feishuMessageRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
	UUID      string `json:"uuid"`
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type feishuTextElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

type feishuPost struct {
	Title   string                `json:"title"`
	Content [][]feishuTextElement `json:"content"`
}

// FeishuPublisher sends summaries to a Feishu (Lark) chat through the bot
// messaging API.
type FeishuPublisher struct {
	client        *http.Client
	baseURL       string
	appID         string
	appSecret     string
	receiveIDType string
	receiveID     string
	maxLen        int
	chunkDelay    time.Duration
	retryConfig   retry.Config
	log           *slog.Logger
	now           func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewFeishuPublisher creates a new FeishuPublisher.
func NewFeishuPublisher(cfg config.FeishuConfig, log *slog.Logger) *FeishuPublisher {
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &FeishuPublisher{
		client:        &http.Client{Timeout: 30 * time.Second},
		baseURL:       base,
		appID:         cfg.AppID,
		appSecret:     cfg.AppSecret,
		receiveIDType: cfg.ReceiveIDType,
		receiveID:     cfg.ChatID,
		maxLen:        cfg.MaxMessageLength,
		chunkDelay:    time.Second,
		retryConfig:   retry.Config{MaxRetries: cfg.Retries, BaseDelay: time.Second},
		log:           log,
		now:           time.Now,
	}
}

// Publish sends the summary as one or more rich-text post messages.
func (f *FeishuPublisher) Publish(ctx context.Context, s *summarizer.Summary) error {
	return f.SendPost(ctx, s.Title(), s.Body())
}

// SendPost sends text as post messages, split on line boundaries when it is
// longer than the configured maximum. Parts are titled "title (i/n)".
func (f *FeishuPublisher) SendPost(ctx context.Context, title, text string) error {
	chunks := splitMessage(text, f.maxLen)
	for i, chunk := range chunks {
		chunkTitle := title
		if len(chunks) > 1 {
			if title == "" {
				chunkTitle = fmt.Sprintf("Part %d/%d", i+1, len(chunks))
			} else {
				chunkTitle = fmt.Sprintf("%s (%d/%d)", title, i+1, len(chunks))
			}
		}

		content := map[string]feishuPost{
			"zh_cn": {
				Title:   chunkTitle,
				Content: [][]feishuTextElement{{{Tag: "text", Text: chunk}}},
			},
		}
		if err := f.send(ctx, "post", content); err != nil {
			if len(chunks) > 1 {
				return fmt.Errorf("feishu: part %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
		f.log.InfoContext(ctx, "Sent Feishu message", "title", chunkTitle, "bytes", len(chunk))

		if i < len(chunks)-1 && f.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.chunkDelay):
			}
		}
	}
	return nil
}

// SendText sends a plain text message.
func (f *FeishuPublisher) SendText(ctx context.Context, text string) error {
	return f.send(ctx, "text", map[string]string{"text": text})
}

// CheckConnection fetches a fresh tenant token to verify the app credentials.
func (f *FeishuPublisher) CheckConnection(ctx context.Context) error {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()

	_, err := f.tenantToken(ctx)
	return err
}

func (f *FeishuPublisher) send(ctx context.Context, msgType string, content any) error {
	return retry.WithBackoff(ctx, f.retryConfig, func(ctx context.Context) error {
		return f.sendMessage(ctx, msgType, content)
	})
}

func (f *FeishuPublisher) tenantToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token != "" && f.now().Before(f.tokenExpiry.Add(-tokenRefreshMargin)) {
		return f.token, nil
	}

	var tr feishuTokenResponse
	body := feishuTokenRequest{AppID: f.appID, AppSecret: f.appSecret}
	if err := f.postJSON(ctx, "auth/v3/tenant_access_token/internal", "", body, &tr); err != nil {
		return "", err
	}
	if tr.Code != 0 || tr.TenantAccessToken == "" {
		return "", failure.Newf(failure.ErrAuth, feishuOp, "get tenant_access_token: code %d: %s", tr.Code, tr.Msg)
	}

	f.token = tr.TenantAccessToken
	f.tokenExpiry = f.now().Add(time.Duration(tr.Expire) * time.Second)
	f.log.DebugContext(ctx, "Obtained Feishu tenant token", "expires_in", tr.Expire)
	return f.token, nil
}

func (f *FeishuPublisher) sendMessage(ctx context.Context, msgType string, content any) error {
	token, err := f.tenantToken(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return failure.Newf(failure.ErrMalformedResponse, feishuOp, "encode content: %w", err)
	}

	req := feishuMessageRequest{
		ReceiveID: f.receiveID,
		MsgType:   msgType,
		Content:   string(encoded),
		UUID:      uuid.NewString(),
	}
	path := "im/v1/messages?receive_id_type=" + url.QueryEscape(f.receiveIDType)

	var resp feishuResponse
	if err := f.postJSON(ctx, path, token, req, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		if feishuTokenCodes[resp.Code] {
			f.mu.Lock()
			f.token = ""
			f.mu.Unlock()
			return failure.Newf(failure.ErrAuth, feishuOp, "send message: code %d: %s", resp.Code, resp.Msg)
		}
		return failure.Newf(failure.ErrMalformedResponse, feishuOp, "send message: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// postJSON posts body to path and decodes the JSON answer into out. Feishu
// reports most failures as a JSON body with a non-zero code, so the body is
// decoded before the status is considered.
func (f *FeishuPublisher) postJSON(ctx context.Context, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("feishu: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return failure.Newf(failure.ErrNetwork, feishuOp, "failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return failure.Newf(failure.ErrNetwork, feishuOp, "request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Newf(failure.ErrNetwork, feishuOp, "failed to read response: %w", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return failure.FromStatus(feishuOp, resp.StatusCode)
		}
		return failure.Newf(failure.ErrMalformedResponse, feishuOp, "failed to parse response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return failure.FromStatus(feishuOp, resp.StatusCode)
	}
	return nil
}

// splitMessage cuts text into chunks of at most max bytes, breaking between
// lines. A single line longer than max is cut at a rune boundary.
func splitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > max {
			flush()
			cut := max
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}

		extra := len(line)
		if cur.Len() > 0 {
			extra++
		}
		if cur.Len()+extra > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
