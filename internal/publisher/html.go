package publisher

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// section is one "## " part of a summary body. The part before the first
// heading has an empty Heading.
type section struct {
	Heading string
	Text    string
}

func splitSections(body string) []section {
	var sections []section
	cur := section{}
	var lines []string
	flush := func() {
		cur.Text = strings.TrimSpace(strings.Join(lines, "\n"))
		if cur.Heading != "" || cur.Text != "" {
			sections = append(sections, cur)
		}
		lines = nil
	}

	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = section{Heading: strings.TrimSpace(line[3:])}
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return sections
}

func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "<pre>" + html.EscapeString(md) + "</pre>"
	}
	return buf.String()
}

func buildHTMLBody(s *summarizer.Summary) string {
	var sb strings.Builder

	sb.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 700px; margin: 0 auto; padding: 20px; color: #333; }
h1 { color: #1a1a2e; border-bottom: 2px solid #e94560; padding-bottom: 10px; }
h2 { color: #16213e; }
.meta { color: #666; font-size: 0.9em; margin-bottom: 20px; }
li { margin-bottom: 5px; }
a { color: #0f3460; }
</style></head><body>`)

	sb.WriteString(fmt.Sprintf("<h1>%s</h1>", html.EscapeString(s.Title())))
	sb.WriteString(fmt.Sprintf(`<div class="meta">%s`, s.CreatedAt.Format("January 2, 2006 15:04")))
	if len(s.SourcePostIDs) > 0 {
		sb.WriteString(fmt.Sprintf(" | %d posts", len(s.SourcePostIDs)))
	}
	if !s.From.IsZero() && !s.To.IsZero() {
		sb.WriteString(fmt.Sprintf(" | %s to %s", s.From.Format("2006-01-02"), s.To.Format("2006-01-02")))
	}
	if s.Model != "" {
		sb.WriteString(" | " + html.EscapeString(s.Model))
	}
	sb.WriteString("</div>")

	sb.WriteString(renderMarkdown(s.Body()))

	sb.WriteString("</body></html>")
	return sb.String()
}
