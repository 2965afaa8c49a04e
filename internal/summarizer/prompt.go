package summarizer

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/fetcher"
)

const DefaultSystemPrompt = `You are an analyst who follows AI research and industry news on X (Twitter).
You turn a batch of posts into a concise, accurate digest. Never invent facts that are not in the posts.`

const DefaultUserPrompt = `Here are {{.Count}} recent posts ({{.Source}}):

{{.Posts}}
Write a Markdown digest of these posts:
- Start with a single "# " title line.
- Group related posts under "## " headings (models, research, products, other).
- For each item write one or two sentences and include the post link.
- End with "## Takeaways" listing the three most important points.`

type prompt struct {
	system string
	user   *template.Template
}

type promptData struct {
	Count  int
	Source string
	Posts  string
}

func newPrompt(system, user string) (*prompt, error) {
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}
	if strings.TrimSpace(user) == "" {
		user = DefaultUserPrompt
	}
	tmpl, err := template.New("user_prompt").Option("missingkey=error").Parse(user)
	if err != nil {
		return nil, failure.Newf(failure.ErrConfig, openaiOp, "invalid user_prompt template: %w", err)
	}
	return &prompt{system: system, user: tmpl}, nil
}

func (p *prompt) render(source string, posts []fetcher.Post) (string, error) {
	var sb strings.Builder
	err := p.user.Execute(&sb, promptData{
		Count:  len(posts),
		Source: source,
		Posts:  formatPosts(posts),
	})
	if err != nil {
		return "", failure.Newf(failure.ErrConfig, openaiOp, "render user_prompt: %w", err)
	}
	return sb.String(), nil
}

// formatPosts renders posts as numbered blocks for the model.
func formatPosts(posts []fetcher.Post) string {
	var sb strings.Builder
	for i, p := range posts {
		name := p.AuthorName
		if name == "" {
			name = p.Author
		}
		fmt.Fprintf(&sb, "[%d] @%s (%s)\n", i+1, p.Author, name)
		fmt.Fprintf(&sb, "    Text: %s\n", strings.ReplaceAll(strings.TrimSpace(p.Text), "\n", "\n          "))
		if p.URL != "" {
			fmt.Fprintf(&sb, "    Link: %s\n", p.URL)
		}
		if !p.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, "    Time: %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
