package replies

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const previewLength = 200

var (
	msgIDRe   = regexp.MustCompile(`<[^>]+>`)
	addressRe = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)
)

// Reply is an inbound message reduced to what correlation needs.
type Reply struct {
	MessageID   string     `json:"message_id"`
	FromEmail   string     `json:"from_email"`
	FromName    string     `json:"from_name,omitempty"`
	Subject     string     `json:"subject"`
	InReplyTo   string     `json:"in_reply_to,omitempty"`
	References  []string   `json:"references,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	BodyPreview string     `json:"body_preview"`

	// Set once the reply is matched to one of our messages.
	MatchedMessageID uint `json:"matched_message_id,omitempty"`
	MatchedContactID uint `json:"matched_contact_id,omitempty"`
}

// ErrNoSender is returned for messages without a usable From address.
var ErrNoSender = errors.New("message has no sender address")

// Parse reads a raw RFC 822 message. Headers in other charsets and
// encoded words are decoded to UTF-8.
func Parse(raw []byte) (*Reply, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	h := mr.Header

	reply := &Reply{
		MessageID:  firstMsgID(h.Get("Message-Id")),
		InReplyTo:  firstMsgID(h.Get("In-Reply-To")),
		References: msgIDRe.FindAllString(h.Get("References"), -1),
	}
	if subject, err := h.Subject(); err == nil {
		reply.Subject = subject
	} else {
		reply.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		reply.Date = &date
	}

	reply.FromEmail, reply.FromName = parseFrom(h)
	if reply.FromEmail == "" {
		return nil, ErrNoSender
	}

	reply.BodyPreview = preview(textBody(mr), previewLength)
	return reply, nil
}

func firstMsgID(v string) string {
	if id := msgIDRe.FindString(v); id != "" {
		return id
	}
	return strings.TrimSpace(v)
}

func parseFrom(h mail.Header) (string, string) {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address), list[0].Name
	}
	raw := h.Get("From")
	if addr := addressRe.FindString(raw); addr != "" {
		return strings.ToLower(addr), ""
	}
	return "", ""
}

// textBody returns the first inline text/plain part, skipping attachments.
func textBody(mr *mail.Reader) string {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return ""
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && contentType != "text/plain" {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func preview(body string, max int) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	return string([]rune(body)[:max]) + "..."
}
