package replies

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"coldreach/utils"
)

// Mailbox lists raw RFC 822 messages from the reply inbox.
type Mailbox interface {
	Fetch(ctx context.Context, unseenOnly bool, limit int) ([][]byte, error)
	HealthCheck(ctx context.Context) error
}

type IMAPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
	Folder   string
	Timeout  time.Duration
}

// IMAPMailbox polls one folder of an IMAP account. Each call opens its own
// session and logs out when done.
type IMAPMailbox struct {
	cfg IMAPSettings
	log *logrus.Entry
}

func NewIMAPMailbox(cfg IMAPSettings) *IMAPMailbox {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &IMAPMailbox{cfg: cfg, log: utils.Logger("imap")}
}

func (m *IMAPMailbox) connect(ctx context.Context) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var c *client.Client
	var err error
	if m.cfg.UseSSL {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: m.cfg.Host})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = m.cfg.Timeout

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return c, nil
}

// Fetch returns up to limit of the newest messages in the folder, optionally
// only unseen ones. Fetching the full body marks the messages as seen, so an
// unseen-only poll does not return the same message twice.
func (m *IMAPMailbox) Fetch(ctx context.Context, unseenOnly bool, limit int) ([][]byte, error) {
	c, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select(m.cfg.Folder, false); err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	if unseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw [][]byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			m.log.WithField("seq", msg.SeqNum).Warn("message body not returned")
			continue
		}
		b, err := io.ReadAll(body)
		if err != nil {
			m.log.WithError(err).WithField("seq", msg.SeqNum).Warn("failed to read message body")
			continue
		}
		raw = append(raw, b)
	}
	if err := <-done; err != nil {
		return raw, fmt.Errorf("error during fetch: %w", err)
	}

	m.log.WithFields(logrus.Fields{"folder": m.cfg.Folder, "fetched": len(raw)}).Debug("mailbox polled")
	return raw, nil
}

// HealthCheck logs in and out without touching any message.
func (m *IMAPMailbox) HealthCheck(ctx context.Context) error {
	c, err := m.connect(ctx)
	if err != nil {
		return err
	}
	return c.Logout()
}
