package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// TrackingHeader carries the tracking token on every outbound message.
const TrackingHeader = "X-Tracking-ID"

type ErrorKind string

const (
	ErrorAuth             ErrorKind = "authentication"
	ErrorConnection       ErrorKind = "connection"
	ErrorRecipientRefused ErrorKind = "recipient_refused"
	ErrorSend             ErrorKind = "send"
)

// OutboundEmail is one fully prepared message.
type OutboundEmail struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

// SendResult reports the outcome of a transport attempt. Error always starts
// with the category label, e.g. "Recipient refused: 550 no such user".
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type SMTPSettings struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool // implicit TLS, usually port 465
	StartTLS   bool
	FromEmail  string
	FromName   string
	ReplyTo    string
	Timeout    time.Duration
	MaxRetries int
}

// smtpClient is the subset of *smtp.Client the mailer drives.
type smtpClient interface {
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type SMTPMailer struct {
	cfg  SMTPSettings
	log  *logrus.Entry
	dial func(ctx context.Context) (smtpClient, error)
}

func NewSMTPMailer(cfg SMTPSettings) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := &SMTPMailer{cfg: cfg, log: Logger("smtp")}
	m.dial = m.dialSMTP
	return m
}

type sendError struct {
	kind ErrorKind
	err  error
}

func (e *sendError) Error() string {
	return e.label() + ": " + e.err.Error()
}

func (e *sendError) Unwrap() error { return e.err }

func (e *sendError) label() string {
	switch e.kind {
	case ErrorAuth:
		return "Authentication failed"
	case ErrorConnection:
		return "Connection failed"
	case ErrorRecipientRefused:
		return "Recipient refused"
	default:
		return "Send failed"
	}
}

// Send delivers one message. Transient failures (connection problems and 4xx
// replies) are retried with exponential backoff up to MaxRetries times.
func (m *SMTPMailer) Send(ctx context.Context, email OutboundEmail) SendResult {
	messageID := m.newMessageID()
	msg := m.BuildMessage(email, messageID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute
	retries := m.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	op := func() error {
		attempt++
		err := m.deliver(ctx, email.To, msg)
		if err == nil {
			return nil
		}
		if !isTemporary(err) {
			return backoff.Permanent(err)
		}
		m.log.WithError(err).WithField("attempt", attempt).Warn("temporary SMTP failure")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		var se *sendError
		if !errors.As(err, &se) {
			se = &sendError{kind: ErrorSend, err: err}
		}
		return SendResult{ErrorKind: se.kind, Error: se.Error()}
	}
	return SendResult{Success: true, MessageID: messageID}
}

// BuildMessage renders a multipart/alternative message with plain text and HTML parts.
func (m *SMTPMailer) BuildMessage(email OutboundEmail, messageID string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.cfg.FromEmail, m.cfg.FromName)
	if email.ToName != "" {
		msg.SetAddressHeader("To", email.To, email.ToName)
	} else {
		msg.SetHeader("To", email.To)
	}
	if m.cfg.ReplyTo != "" {
		msg.SetHeader("Reply-To", m.cfg.ReplyTo)
	}
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetDateHeader("Date", time.Now())
	for k, v := range email.Headers {
		msg.SetHeader(k, v)
	}

	msg.SetBody("text/plain", email.Text)
	if email.HTML != "" {
		msg.AddAlternative("text/html", email.HTML)
	}
	return msg
}

func (m *SMTPMailer) deliver(ctx context.Context, to string, msg *gomail.Message) error {
	client, err := m.dial(ctx)
	if err != nil {
		return &sendError{kind: ErrorConnection, err: err}
	}
	defer client.Close()

	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return &sendError{kind: ErrorAuth, err: err}
		}
	}

	if err := client.Mail(m.cfg.FromEmail); err != nil {
		return &sendError{kind: ErrorSend, err: err}
	}
	if err := client.Rcpt(to); err != nil {
		if isTemporary(err) {
			return &sendError{kind: ErrorSend, err: err}
		}
		return &sendError{kind: ErrorRecipientRefused, err: err}
	}

	w, err := client.Data()
	if err != nil {
		return &sendError{kind: ErrorSend, err: err}
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return &sendError{kind: ErrorSend, err: err}
	}
	if err := w.Close(); err != nil {
		return &sendError{kind: ErrorSend, err: err}
	}

	if err := client.Quit(); err != nil {
		m.log.WithError(err).Debug("SMTP QUIT failed after successful DATA")
	}
	return nil
}

// HealthCheck connects, negotiates TLS when configured and disconnects without sending.
func (m *SMTPMailer) HealthCheck(ctx context.Context) error {
	client, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("Connection failed: %w", err)
	}
	defer client.Close()
	if err := client.Quit(); err != nil {
		return fmt.Errorf("Connection failed: %w", err)
	}
	return nil
}

func (m *SMTPMailer) dialSMTP(ctx context.Context) (smtpClient, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	tlsConfig := &tls.Config{ServerName: m.cfg.Host}

	var conn net.Conn
	var err error
	if m.cfg.UseTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if !m.cfg.UseTLS && m.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, err
			}
		}
	}
	return client, nil
}

func (m *SMTPMailer) newMessageID() string {
	domain := m.cfg.Host
	if at := strings.LastIndex(m.cfg.FromEmail, "@"); at >= 0 && at < len(m.cfg.FromEmail)-1 {
		domain = m.cfg.FromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// isTemporary reports whether a failure is worth retrying: 4xx replies,
// network timeouts and failures to connect at all.
func isTemporary(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	var se *sendError
	if errors.As(err, &se) && se.kind == ErrorConnection {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
