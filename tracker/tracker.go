// Package tracker records opens, clicks and replies against sent messages and
// serves the engagement statistics built from them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/scheduler"
	"coldreach/utils"
)

// Notifier is told about engagement events once they are committed.
type Notifier interface {
	Publish(event models.EngagementEvent)
}

// Hit describes the HTTP request behind an open or click.
type Hit struct {
	IPAddress string
	UserAgent string
	Referer   string
}

// ReplyMeta is what the reply correlator knows about an inbound reply.
type ReplyMeta struct {
	From      string
	Subject   string
	MessageID string
}

// ReplyOutcome reports what RecordReply changed.
type ReplyOutcome struct {
	Recorded  bool  `json:"recorded"`
	Cancelled int64 `json:"cancelled"`
}

type Tracker struct {
	db       *gorm.DB
	log      *logrus.Entry
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLocation sets the timezone used for daily rollups.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

func New(db *gorm.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:  db,
		log: utils.Logger("tracker"),
		loc: scheduler.Defaults().Location,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) WithNotifier(n Notifier) *Tracker {
	t.notifier = n
	return t
}

func (t *Tracker) byToken(tx *gorm.DB, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	var msg models.Message
	if err := tx.Where("tracking_token = ?", token).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// RecordOpen counts an open for the message carrying token. opened_at keeps its
// first value. An unknown token is not an error: it returns false and writes nothing.
func (t *Tracker) RecordOpen(ctx context.Context, token string, hit Hit) (bool, error) {
	var event *models.EngagementEvent
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := t.byToken(tx, token)
		if err != nil || msg == nil {
			return err
		}
		now := t.now().UTC()

		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"open_count": gorm.Expr("open_count + 1"),
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", now),
		}).Error; err != nil {
			return err
		}
		if msg.Status == models.MessageSent {
			if _, err := msg.Transition(tx, models.MessageOpened, nil); err != nil {
				return err
			}
		}
		if err := advanceContact(tx, msg.ContactID, models.ContactOpened, models.ContactContacted); err != nil {
			return err
		}

		event = &models.EngagementEvent{
			MessageID: msg.ID,
			Type:      models.EventOpen,
			Timestamp: now,
			IPAddress: hit.IPAddress,
			UserAgent: hit.UserAgent,
			Referer:   hit.Referer,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return false, fmt.Errorf("record open: %w", err)
	}
	return t.committed(event), nil
}

// RecordClick counts a click on url for the message carrying token. Every click
// is stored as its own event. A click on a message still marked SENT passes
// through OPENED, since the recipient evidently saw it.
func (t *Tracker) RecordClick(ctx context.Context, token, url string, hit Hit) (bool, error) {
	var event *models.EngagementEvent
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := t.byToken(tx, token)
		if err != nil || msg == nil {
			return err
		}
		now := t.now().UTC()

		updates := map[string]interface{}{
			"click_count": gorm.Expr("click_count + 1"),
			"clicked_at":  gorm.Expr("COALESCE(clicked_at, ?)", now),
		}
		if msg.Status == models.MessageSent {
			updates["opened_at"] = gorm.Expr("COALESCE(opened_at, ?)", now)
		}
		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
			return err
		}

		if msg.Status == models.MessageSent {
			if _, err := msg.Transition(tx, models.MessageOpened, nil); err != nil {
				return err
			}
		}
		if msg.Status == models.MessageOpened {
			if _, err := msg.Transition(tx, models.MessageClicked, nil); err != nil {
				return err
			}
		}
		if err := advanceContact(tx, msg.ContactID, models.ContactClicked, models.ContactContacted, models.ContactOpened); err != nil {
			return err
		}

		event = &models.EngagementEvent{
			MessageID:  msg.ID,
			Type:       models.EventClick,
			Timestamp:  now,
			IPAddress:  hit.IPAddress,
			UserAgent:  hit.UserAgent,
			Referer:    hit.Referer,
			ClickedURL: url,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return false, fmt.Errorf("record click: %w", err)
	}
	return t.committed(event), nil
}

// advanceContact moves the contact to `to` only while it is in one of `from`.
func advanceContact(tx *gorm.DB, contactID uint, to models.ContactStatus, from ...models.ContactStatus) error {
	return tx.Model(&models.Contact{}).
		Where("id = ? AND status IN ?", contactID, from).
		Update("status", to).Error
}

func (t *Tracker) committed(event *models.EngagementEvent) bool {
	if event == nil {
		return false
	}
	utils.EngagementTotal.WithLabelValues(string(event.Type)).Inc()
	utils.LogEvent("engagement", map[string]interface{}{
		"message_id": event.MessageID,
		"type":       event.Type,
	})
	if t.notifier != nil {
		t.notifier.Publish(*event)
	}
	return true
}

// RecordReply marks msg as replied, closes the contact's sequence and cancels
// every step still PENDING. Steps already sent are left alone. A message that
// cannot move to REPLIED (already replied, bounced, never sent) is reported as
// not recorded.
func (t *Tracker) RecordReply(ctx context.Context, msg *models.Message, meta ReplyMeta) (ReplyOutcome, error) {
	var out ReplyOutcome
	if !models.CanTransition(msg.Status, models.MessageReplied) {
		return out, nil
	}

	var event *models.EngagementEvent
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := t.now().UTC()
		ok, err := msg.Transition(tx, models.MessageReplied, map[string]interface{}{"replied_at": now})
		if err != nil || !ok {
			return err
		}

		if err := tx.Model(&models.Contact{}).Where("id = ?", msg.ContactID).Updates(map[string]interface{}{
			"status":     models.ContactReplied,
			"replied_at": gorm.Expr("COALESCE(replied_at, ?)", now),
		}).Error; err != nil {
			return err
		}

		res := tx.Model(&models.Message{}).
			Where("contact_id = ? AND status = ?", msg.ContactID, models.MessagePending).
			Update("status", models.MessageCancelled)
		if res.Error != nil {
			return res.Error
		}
		out.Cancelled = res.RowsAffected

		event = &models.EngagementEvent{
			MessageID: msg.ID,
			Type:      models.EventReply,
			Timestamp: now,
			Extra: map[string]interface{}{
				"from_email": meta.From,
				"subject":    meta.Subject,
				"message_id": meta.MessageID,
			},
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return ReplyOutcome{}, fmt.Errorf("record reply: %w", err)
	}
	out.Recorded = t.committed(event)
	if out.Recorded {
		t.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"contact_id": msg.ContactID,
			"cancelled":  out.Cancelled,
		}).Info("reply recorded, sequence stopped")
	}
	return out, nil
}
