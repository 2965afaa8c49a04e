package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/store"
)

const searchPage = `{
  "tweets": [
    {"id": "%[1]s-202", "url": "https://x.com/%[1]s/status/202", "text": "Second post from %[1]s", "createdAt": "2025-03-01T10:00:00Z", "author": {"userName": "%[1]s", "name": "%[1]s Team"}},
    {"id": "%[1]s-201", "url": "https://x.com/%[1]s/status/201", "text": "First post from %[1]s", "createdAt": "2025-03-01T09:00:00Z", "author": {"userName": "%[1]s", "name": "%[1]s Team"}}
  ],
  "has_next_page": false,
  "next_cursor": ""
}`

// fakeServices stands in for the Twitter search, chat completion and Feishu
// endpoints.
type fakeServices struct {
	mu       sync.Mutex
	searches int
	prompts  []string
	messages []string
}

func (f *fakeServices) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/twitter/tweet/advanced_search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.searches++
		f.mu.Unlock()

		account := strings.TrimPrefix(strings.Fields(r.URL.Query().Get("query"))[0], "from:")
		if account == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, searchPage, account)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode completion request: %v", err)
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, req.Messages[len(req.Messages)-1].Content)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"fake-model",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"# AI Brief\n\n## Labs\n\n- Two labs posted."}}]}`)
	})
	mux.HandleFunc("/feishu/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"ok","tenant_access_token":"t-1","expire":7200}`)
	})
	mux.HandleFunc("/feishu/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MsgType string `json:"msg_type"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode message: %v", err)
		}
		f.mu.Lock()
		f.messages = append(f.messages, req.MsgType+":"+req.Content)
		f.mu.Unlock()
		fmt.Fprint(w, `{"code":0,"msg":"ok"}`)
	})
	return mux
}

type testEnv struct {
	dir     string
	config  string
	fake    *fakeServices
	summary string
}

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"TWITTER_API_KEY", "NITTER_URL", "OPENAI_API_KEY", "OPENAI_BASE_URL",
		"FEISHU_APP_ID", "FEISHU_APP_SECRET", "FEISHU_CHAT_ID",
		"DISCORD_WEBHOOK_URL", "SMTP_PASSWORD",
	} {
		t.Setenv(name, "")
	}
}

func newTestEnv(t *testing.T, driver string, accounts ...string) *testEnv {
	t.Helper()
	clearCredentialEnv(t)

	fake := &fakeServices{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	quoted := make([]string, len(accounts))
	for i, a := range accounts {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	content := fmt.Sprintf(`
monitor:
  accounts: [%[1]s]
  twitterapi:
    api_key: tw_key
    base_url: %[2]s
summarizer:
  api_key: sk_test
  base_url: %[2]s/v1/
  model: fake-model
  output_dir: %[3]s/summaries
feishu:
  base_url: %[2]s/feishu/
  app_id: cli_app
  app_secret: secret
  chat_id: oc_chat
storage:
  driver: %[4]s
  dir: %[3]s/data
publisher:
  types: [stdout]
`, strings.Join(quoted, ", "), srv.URL, dir, driver)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return &testEnv{dir: dir, config: path, fake: fake, summary: filepath.Join(dir, "summaries")}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd(&out, &errOut)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionNotEmpty(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestExecuteVersion(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd(&out, &out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "tweet-digest dev") {
		t.Errorf("Unexpected version output %q", out.String())
	}
}

func TestInvalidLogFormat(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd(&out, &out)
	root.SetArgs([]string{"--log-format", "xml", "version"})
	if err := root.Execute(); !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig, got %v", err)
	}
}

func TestMonitorRequiresCredentials(t *testing.T) {
	env := newTestEnv(t, "json", "alice")
	content, _ := os.ReadFile(env.config)
	if err := os.WriteFile(env.config, []byte(strings.Replace(string(content), "api_key: tw_key", "api_key: ''", 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := env.run(t, "monitor", "--once")
	if !errors.Is(err, failure.ErrConfig) {
		t.Fatalf("Expected ErrConfig, got %v", err)
	}
	if env.fake.searches != 0 {
		t.Errorf("Expected no API call before the config is valid, got %d", env.fake.searches)
	}
}

func TestPipeline(t *testing.T) {
	for _, driver := range []string{"json", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			env := newTestEnv(t, driver, "alice", "broken", "bob")

			if _, err := env.run(t, "monitor", "--once"); err != nil {
				t.Fatalf("monitor failed: %v", err)
			}

			out, err := env.run(t, "stats")
			if err != nil {
				t.Fatalf("stats failed: %v", err)
			}
			for _, want := range []string{"Total posts", "4", driver, "2025-03-01"} {
				if !strings.Contains(out, want) {
					t.Errorf("Expected stats to contain %q, got:\n%s", want, out)
				}
			}

			out, err = env.run(t, "days")
			if err != nil {
				t.Fatalf("days failed: %v", err)
			}
			if strings.TrimSpace(out) != "2025-03-01  4 posts" {
				t.Errorf("Unexpected days output %q", out)
			}

			out, err = env.run(t, "export", "--source", "daily", "--date", "2025-03-01", "--out", "-")
			if err != nil {
				t.Fatalf("export failed: %v", err)
			}
			if !strings.Contains(out, "### @alice (alice Team)") || !strings.Contains(out, "Posts: 4") {
				t.Errorf("Unexpected export output:\n%s", out)
			}

			out, err = env.run(t, "summarize", "--source", "all", "--print")
			if err != nil {
				t.Fatalf("summarize failed: %v", err)
			}
			if !strings.Contains(out, "# AI Brief") || !strings.Contains(out, "Summary saved to") {
				t.Errorf("Unexpected summarize output:\n%s", out)
			}
			if len(env.fake.prompts) != 1 || !strings.Contains(env.fake.prompts[0], "Here are 4 recent posts (all)") {
				t.Errorf("Unexpected prompt %v", env.fake.prompts)
			}
			matches, _ := filepath.Glob(filepath.Join(env.summary, "summary_*.md"))
			if len(matches) != 1 {
				t.Fatalf("Expected one summary artifact, got %v", matches)
			}

			if _, err := env.run(t, "send", "--latest"); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if len(env.fake.messages) != 1 || !strings.HasPrefix(env.fake.messages[0], "post:") ||
				!strings.Contains(env.fake.messages[0], "AI Brief") {
				t.Errorf("Unexpected Feishu messages %v", env.fake.messages)
			}

			out, err = env.run(t, "publish")
			if err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			if !strings.Contains(out, "to 1 publisher(s)") {
				t.Errorf("Unexpected publish output %q", out)
			}

			if _, err := env.run(t, "clear"); err == nil {
				t.Error("Expected clear without --yes to fail")
			}
			if _, err := env.run(t, "clear", "--yes"); err != nil {
				t.Fatalf("clear failed: %v", err)
			}
			out, _ = env.run(t, "days")
			if !strings.Contains(out, "No daily buckets yet") {
				t.Errorf("Expected an empty store after clear, got %q", out)
			}
		})
	}
}

func TestSummarizeEmptyStore(t *testing.T) {
	env := newTestEnv(t, "json", "alice")

	out, err := env.run(t, "summarize", "--source", "latest")
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if !strings.Contains(out, "No posts to summarize in latest") {
		t.Errorf("Unexpected output %q", out)
	}
	if _, err := os.Stat(env.summary); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no summaries directory, got %v", err)
	}
}

func TestSendText(t *testing.T) {
	env := newTestEnv(t, "json", "alice")

	if _, err := env.run(t, "send", "--text", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(env.fake.messages) != 1 || env.fake.messages[0] != `text:{"text":"hello"}` {
		t.Errorf("Unexpected Feishu messages %v", env.fake.messages)
	}
}

func TestSendWithoutSummary(t *testing.T) {
	env := newTestEnv(t, "json", "alice")

	if _, err := env.run(t, "send", "--latest"); err == nil {
		t.Fatal("Expected an error without any summary file")
	}
}

func TestPublishSelection(t *testing.T) {
	env := newTestEnv(t, "json", "alice")

	_, err := env.run(t, "publish", "--latest=false")
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig without a summary to select, got %v", err)
	}

	if _, err := env.run(t, "publish", "--daily"); err == nil {
		t.Error("Expected an error without a summary written today")
	}

	path := filepath.Join(env.dir, "note.md")
	if err := os.WriteFile(path, []byte("# Note\n\nhello"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := env.run(t, "publish", "--latest=false", "--file", path)
	if err != nil {
		t.Fatalf("publish --file failed: %v", err)
	}
	if !strings.Contains(out, "Published "+path) {
		t.Errorf("Unexpected publish output %q", out)
	}
}

func TestPublishWebOnlyIsConfigError(t *testing.T) {
	env := newTestEnv(t, "json", "alice")
	content, _ := os.ReadFile(env.config)
	if err := os.WriteFile(env.config, []byte(strings.Replace(string(content), "types: [stdout]", "types: [web]", 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := env.run(t, "publish", "--file", filepath.Join(env.dir, "missing.md"))
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig for a web-only publisher list, got %v", err)
	}
}

func TestViewFilterDefaultsDailyToToday(t *testing.T) {
	env := newTestEnv(t, "json", "alice")
	a := &app{configPath: env.config}
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	view, filter, err := viewFilter(cfg, "daily", "")
	if err != nil {
		t.Fatalf("viewFilter returned error: %v", err)
	}
	if view != store.ViewDaily || filter.Date == "" {
		t.Errorf("Expected daily view with today's date, got %s %+v", view, filter)
	}
	if _, _, err := viewFilter(cfg, "weekly", ""); !errors.Is(err, failure.ErrConfig) {
		t.Errorf("Expected ErrConfig for unknown source, got %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536 * 1024, "1.5 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
