// Package mailer is the SMTP transport: one authenticated submission per
// Send call, no connection reuse. The dispatcher owns retries.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/pkg/logger"
)

// Message is one outbound email. Text is optional; when present the body is
// multipart/alternative with the HTML part last.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
}

// Result reports a successful submission.
type Result struct {
	MessageID string
	Response  string
}

// Sender submits messages to a single configured SMTP endpoint.
type Sender struct {
	host       string
	port       int
	secure     bool // implicit TLS (465) instead of STARTTLS
	authMethod string
	user       string
	pass       string
	timeout    time.Duration
}

// NewSender builds a sender from SMTP config.
func NewSender(cfg config.SMTPConfig) *Sender {
	return &Sender{
		host:       cfg.Host,
		port:       cfg.Port,
		secure:     cfg.Secure,
		authMethod: strings.ToUpper(cfg.AuthMethod),
		user:       cfg.User,
		pass:       cfg.Pass,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// User returns the authenticated account, the only identity this sender may
// put on the From line.
func (s *Sender) User() string { return s.user }

// Send performs one full SMTP transaction for the message. Any failure is a
// transport error; the connection is never reused.
func (s *Sender) Send(ctx context.Context, msg *Message) (*Result, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	payload := s.assemble(msg, messageID)

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Mail(msg.From); err != nil {
		return nil, fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return nil, fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("DATA close: %w", err)
	}
	if err := client.Quit(); err != nil {
		logger.Warn("[mailer] QUIT failed after accepted message", "error", err.Error())
	}

	logger.Info("[mailer] sent", "to", msg.To, "message_id", messageID)
	return &Result{MessageID: messageID, Response: "250 accepted"}, nil
}

// Verify dials, authenticates and quits without sending anything.
func (s *Sender) Verify(ctx context.Context) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}

func (s *Sender) connect(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: s.timeout}
	tlsCfg := &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	if s.secure {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else if s.timeout > 0 {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}
	if !s.secure {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("server %s does not offer STARTTLS", s.host)
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if err := client.Auth(s.auth()); err != nil {
		client.Close()
		return nil, fmt.Errorf("AUTH: %w", err)
	}
	return client, nil
}

func (s *Sender) auth() smtp.Auth {
	if s.authMethod == "PLAIN" {
		return smtp.PlainAuth("", s.user, s.pass, s.host)
	}
	return &loginAuth{user: s.user, pass: s.pass}
}

func (s *Sender) assemble(msg *Message, messageID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	if msg.Text != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(msg.Text)
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return buf.Bytes()
}

// loginAuth implements AUTH LOGIN, which many submission hosts require even
// though stdlib only ships PLAIN and CRAM-MD5.
type loginAuth struct {
	user, pass string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.user), nil
	case "password:":
		return []byte(a.pass), nil
	}
	return nil, fmt.Errorf("unexpected server challenge %q", fromServer)
}
