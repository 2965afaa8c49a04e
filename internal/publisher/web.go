package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

const noSummaryPage = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Tweet Digest</title></head>` +
	`<body><h1>Tweet Digest</h1><p>No summary available yet. Check back later.</p></body></html>`

// WebPublisher serves the latest summary as an HTML page over HTTP. When dir
// is set, newer summary files written there by other runs are picked up on
// request.
type WebPublisher struct {
	addr   string
	dir    string
	log    *slog.Logger
	engine *gin.Engine
	server *http.Server

	mu       sync.RWMutex
	latest   *summarizer.Summary
	loadedAt time.Time
}

// NewWebPublisher creates a new WebPublisher serving the newest summary in dir.
func NewWebPublisher(addr, dir string, log *slog.Logger) *WebPublisher {
	wp := &WebPublisher{addr: addr, dir: dir, log: log}
	wp.engine = wp.newEngine()
	wp.server = &http.Server{
		Addr:         addr,
		Handler:      wp.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return wp
}

func (wp *WebPublisher) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		wp.log.DebugContext(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	})
	r.Use(gin.Recovery())

	r.GET("/", wp.handleIndex)
	r.GET("/api/summary", wp.handleSummary)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

// Handler exposes the HTTP routes, mostly for tests.
func (wp *WebPublisher) Handler() http.Handler {
	return wp.engine
}

// Start begins serving HTTP in the background. Call Shutdown to stop.
func (wp *WebPublisher) Start() error {
	ln, err := net.Listen("tcp", wp.addr)
	if err != nil {
		return fmt.Errorf("web: failed to listen on %s: %w", wp.addr, err)
	}
	go func() {
		wp.log.Info("Web publisher listening", "addr", ln.Addr().String())
		if err := wp.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wp.log.Error("Web publisher error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (wp *WebPublisher) Shutdown(ctx context.Context) error {
	return wp.server.Shutdown(ctx)
}

// Publish replaces the summary the page shows until a newer file appears in
// the output directory.
func (wp *WebPublisher) Publish(ctx context.Context, s *summarizer.Summary) error {
	wp.mu.Lock()
	wp.latest = s
	wp.loadedAt = s.CreatedAt
	wp.mu.Unlock()
	wp.log.InfoContext(ctx, "Web publisher updated", "title", s.Title())
	return nil
}

// current returns the summary to serve, reloading from dir when a newer
// file exists there.
func (wp *WebPublisher) current() *summarizer.Summary {
	if wp.dir != "" {
		wp.reload()
	}
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.latest
}

func (wp *WebPublisher) reload() {
	path, err := summarizer.LatestFile(wp.dir)
	if err != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	wp.mu.RLock()
	stale := wp.latest == nil || info.ModTime().After(wp.loadedAt)
	wp.mu.RUnlock()
	if !stale {
		return
	}

	s, err := summarizer.ReadFile(path)
	if err != nil {
		wp.log.Warn("Failed to load summary file", "path", path, "error", err)
		return
	}

	wp.mu.Lock()
	wp.latest = s
	wp.loadedAt = info.ModTime()
	wp.mu.Unlock()
}

func (wp *WebPublisher) handleIndex(c *gin.Context) {
	s := wp.current()
	if s == nil {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(noSummaryPage))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(buildHTMLBody(s)))
}

func (wp *WebPublisher) handleSummary(c *gin.Context) {
	s := wp.current()
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no summary available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         s.ID.String(),
		"title":      s.Title(),
		"source":     s.Source,
		"from":       s.From,
		"to":         s.To,
		"post_ids":   s.SourcePostIDs,
		"model":      s.Model,
		"created_at": s.CreatedAt,
		"markdown":   s.Markdown,
	})
}
