package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/tweet-digest/internal/config"
	"github.com/ryosukesatoh/tweet-digest/internal/failure"
	"github.com/ryosukesatoh/tweet-digest/internal/summarizer"
)

const emailOp = "email"

// EmailPublisher mails the summary as multipart/alternative: the Markdown as
// text/plain and the rendered page as text/html.
type EmailPublisher struct {
	addr     string
	host     string
	username string
	password string
	from     string
	to       []string
	log      *slog.Logger
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailPublisher creates a new EmailPublisher.
func NewEmailPublisher(cfg config.EmailConfig, log *slog.Logger) *EmailPublisher {
	return &EmailPublisher{
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host:     cfg.SMTPHost,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		log:      log,
		send:     smtp.SendMail,
	}
}

// Publish mails the summary to every recipient in one message.
func (p *EmailPublisher) Publish(ctx context.Context, s *summarizer.Summary) error {
	msg, err := p.buildMessage(s)
	if err != nil {
		return fmt.Errorf("email: build message: %w", err)
	}

	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}

	if err := p.send(p.addr, auth, p.from, p.to, msg); err != nil {
		return classifySMTP(err)
	}
	if p.log != nil {
		p.log.InfoContext(ctx, "Sent summary email", "to", len(p.to), "bytes", len(msg))
	}
	return nil
}

func (p *EmailPublisher) buildMessage(s *summarizer.Summary) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	subject := fmt.Sprintf("%s - %s", s.Title(), s.CreatedAt.Format("2006-01-02"))
	headers := []struct{ k, v string }{
		{"From", p.from},
		{"To", strings.Join(p.to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", s.CreatedAt.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", messageID(s), p.host)},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary())},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=\"UTF-8\"", s.Markdown},
		{"text/html; charset=\"UTF-8\"", buildHTMLBody(s)},
	}
	for _, part := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func messageID(s *summarizer.Summary) string {
	if s.ID == uuid.Nil {
		return uuid.NewString()
	}
	return s.ID.String()
}

// classifySMTP maps 535 to ErrAuth, other 5xx replies to ErrMalformedResponse
// and everything else (dial, 4xx) to ErrNetwork.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == 535:
			return failure.Newf(failure.ErrAuth, emailOp, "send: %w", err)
		case tpErr.Code >= 500:
			return failure.Newf(failure.ErrMalformedResponse, emailOp, "send: %w", err)
		}
	}
	return failure.Newf(failure.ErrNetwork, emailOp, "send: %w", err)
}
