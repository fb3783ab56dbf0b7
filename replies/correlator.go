// Package replies polls the reply mailbox, matches inbound mail to the
// messages we sent and stops the sequences that received an answer.
package replies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/tracker"
	"coldreach/utils"
)

// ReplyRecorder applies a matched reply to the message and its sequence.
type ReplyRecorder interface {
	RecordReply(ctx context.Context, msg *models.Message, meta tracker.ReplyMeta) (tracker.ReplyOutcome, error)
}

// ProcessResult summarises a ProcessReplies run.
type ProcessResult struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors"`
}

type Correlator struct {
	db       *gorm.DB
	mailbox  Mailbox
	recorder ReplyRecorder
	log      *logrus.Entry
}

func NewCorrelator(db *gorm.DB, mailbox Mailbox, recorder ReplyRecorder) *Correlator {
	return &Correlator{
		db:       db,
		mailbox:  mailbox,
		recorder: recorder,
		log:      utils.Logger("replies"),
	}
}

// PollInbox fetches messages from the mailbox and returns the ones that could
// be matched to a message we sent. Messages that fail to parse are skipped.
func (c *Correlator) PollInbox(ctx context.Context, unseenOnly bool, limit int) ([]Reply, error) {
	raw, err := c.mailbox.Fetch(ctx, unseenOnly, limit)
	if err != nil {
		utils.ReplyPollsTotal.WithLabelValues("error").Inc()
		utils.LogError("imap_poll", err, map[string]interface{}{"unseen_only": unseenOnly, "limit": limit})
		if len(raw) == 0 {
			return nil, err
		}
	} else {
		utils.ReplyPollsTotal.WithLabelValues("ok").Inc()
	}

	var matched []Reply
	for _, b := range raw {
		reply, err := Parse(b)
		if err != nil {
			c.log.WithError(err).Debug("skipping unparseable message")
			continue
		}
		ok, err := c.Correlate(ctx, reply)
		if err != nil {
			c.log.WithError(err).WithField("from", reply.FromEmail).Warn("correlation failed")
			continue
		}
		if ok {
			matched = append(matched, *reply)
		}
	}

	c.log.WithFields(logrus.Fields{"fetched": len(raw), "matched": len(matched)}).Info("inbox checked")
	return matched, nil
}

// Correlate matches a reply to one of our messages, trying In-Reply-To, then
// References, then the sender address. The sender fallback picks the contact's
// most recently sent message that has not been answered or bounced.
func (c *Correlator) Correlate(ctx context.Context, reply *Reply) (bool, error) {
	db := c.db.WithContext(ctx)

	if reply.InReplyTo != "" {
		msg, err := c.byTransportID(db, reply.InReplyTo)
		if err != nil || msg != nil {
			return c.match(reply, msg), err
		}
	}
	for _, ref := range reply.References {
		msg, err := c.byTransportID(db, ref)
		if err != nil || msg != nil {
			return c.match(reply, msg), err
		}
	}

	if reply.FromEmail == "" {
		return false, nil
	}
	var contact models.Contact
	if err := db.Where("LOWER(email) = ?", strings.ToLower(reply.FromEmail)).
		Order("id").First(&contact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	var msg models.Message
	err := db.Where("contact_id = ? AND status IN ? AND sent_at IS NOT NULL", contact.ID,
		[]models.MessageStatus{models.MessageSent, models.MessageOpened, models.MessageClicked}).
		Order("sent_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.match(reply, &msg), nil
}

func (c *Correlator) byTransportID(db *gorm.DB, id string) (*models.Message, error) {
	var msg models.Message
	err := db.Where("transport_message_id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Correlator) match(reply *Reply, msg *models.Message) bool {
	if msg == nil {
		return false
	}
	reply.MatchedMessageID = msg.ID
	reply.MatchedContactID = msg.ContactID
	return true
}

// ProcessReplies records every matched reply. A failing reply is reported in
// Errors and does not stop the others. Replies to a message that is already
// REPLIED count as neither processed nor failed.
func (c *Correlator) ProcessReplies(ctx context.Context, replies []Reply) ProcessResult {
	result := ProcessResult{Total: len(replies), Errors: []string{}}
	for _, reply := range replies {
		if reply.MatchedMessageID == 0 {
			continue
		}
		recorded, err := c.process(ctx, reply)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Error processing reply from %s: %v", reply.FromEmail, err))
			utils.LogError("reply_process", err, map[string]interface{}{
				"from":       reply.FromEmail,
				"message_id": reply.MatchedMessageID,
			})
			continue
		}
		if recorded {
			result.Processed++
		}
	}
	return result
}

func (c *Correlator) process(ctx context.Context, reply Reply) (bool, error) {
	var msg models.Message
	if err := c.db.WithContext(ctx).First(&msg, reply.MatchedMessageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, models.ErrMessageNotFound
		}
		return false, err
	}
	out, err := c.recorder.RecordReply(ctx, &msg, tracker.ReplyMeta{
		From:      reply.FromEmail,
		Subject:   reply.Subject,
		MessageID: reply.MessageID,
	})
	return out.Recorded, err
}

// Check polls the inbox and processes whatever it matched.
func (c *Correlator) Check(ctx context.Context, unseenOnly bool, limit int) (ProcessResult, error) {
	matched, err := c.PollInbox(ctx, unseenOnly, limit)
	if err != nil {
		return ProcessResult{Errors: []string{}}, err
	}
	return c.ProcessReplies(ctx, matched), nil
}

func (c *Correlator) HealthCheck(ctx context.Context) error {
	return c.mailbox.HealthCheck(ctx)
}
