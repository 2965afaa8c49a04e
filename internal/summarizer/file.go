package summarizer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
)

const (
	// maxNameAttempts bounds the _NN suffixes tried when summaries share a second.
	maxNameAttempts = 99

	filePrefix  = "summary_"
	fileSuffix  = ".md"
	fileLayout  = "2006-01-02_150405"
	frontMatter = "---\n"
)

// ErrNoSummary is returned by LatestFile when the directory holds no summary.
var ErrNoSummary = errors.New("summarizer: no summary files found")

// FileName is the artifact name of s: summary_YYYY-MM-DD_HHMMSS.md.
func FileName(s *Summary) string {
	return filePrefix + s.CreatedAt.Format(fileLayout) + fileSuffix
}

// fileNameAttempt is FileName with a _NN suffix for attempt > 1. The padded
// suffix keeps later attempts sorting after earlier ones.
func fileNameAttempt(s *Summary, attempt int) string {
	if attempt == 1 {
		return FileName(s)
	}
	return fmt.Sprintf("%s%s_%02d%s", filePrefix, s.CreatedAt.Format(fileLayout), attempt, fileSuffix)
}

// WriteFile stores s in dir as Markdown with a YAML front-matter header and
// returns the path. The file appears atomically and never replaces an
// existing artifact: a summary created in the same second as another gets a
// _02, _03, ... suffix.
func WriteFile(dir string, s *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", failure.Newf(failure.ErrStorage, openaiOp, "create output dir: %w", err)
	}

	meta, err := yaml.Marshal(s)
	if err != nil {
		return "", failure.Newf(failure.ErrStorage, openaiOp, "encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatter)
	buf.Write(meta)
	buf.WriteString(frontMatter)
	buf.WriteString("\n")
	buf.WriteString(strings.TrimSpace(s.Markdown))
	buf.WriteString("\n")

	path, err := writeFileExclusive(dir, buf.Bytes(), func(attempt int) string {
		return fileNameAttempt(s, attempt)
	})
	if err != nil {
		return "", failure.Newf(failure.ErrStorage, openaiOp, "write summary in %s: %w", dir, err)
	}
	return path, nil
}

// writeFileExclusive writes data to a temp file and hard-links it under the
// first free name. A link fails on an existing name, so no file is replaced.
func writeFileExclusive(dir string, data []byte, name func(attempt int) string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".summary.*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := syncAndClose(tmp, data); err != nil {
		return "", err
	}

	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		path := filepath.Join(dir, name(attempt))
		err := os.Link(tmp.Name(), path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name after %d attempts", maxNameAttempts)
}

func syncAndClose(tmp *os.File, data []byte) error {
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	return tmp.Close()
}

// ReadFile loads a summary artifact. Plain Markdown files without front
// matter are accepted; their metadata is left empty except CreatedAt, which
// falls back to the file modification time.
func ReadFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Newf(failure.ErrStorage, openaiOp, "read %s: %w", path, err)
	}

	s := &Summary{}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if rest, ok := strings.CutPrefix(text, frontMatter); ok {
		meta, body, found := strings.Cut(rest, "\n"+frontMatter)
		if !found {
			return nil, failure.Newf(failure.ErrMalformedResponse, openaiOp, "%s: unterminated front matter", path)
		}
		if err := yaml.Unmarshal([]byte(meta), s); err != nil {
			return nil, failure.Newf(failure.ErrMalformedResponse, openaiOp, "%s: parse front matter: %w", path, err)
		}
		text = body
	}
	s.Markdown = strings.TrimSpace(text)

	if s.CreatedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			s.CreatedAt = info.ModTime()
		}
	}
	return s, nil
}

// LatestFile returns the path of the newest summary_*.md in dir.
func LatestFile(dir string) (string, error) {
	return latestMatching(dir, filePrefix+"*"+fileSuffix)
}

// LatestFileOn returns the newest summary created on day (YYYY-MM-DD).
func LatestFileOn(dir, day string) (string, error) {
	return latestMatching(dir, filePrefix+day+"_*"+fileSuffix)
}

func latestMatching(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("summarizer: list %s: %w", dir, err)
	}
	if len(matches) == 0 {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrNoSummary, dir)
		}
		return "", fmt.Errorf("%w in %s", ErrNoSummary, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
