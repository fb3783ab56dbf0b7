// Package delivery turns scheduled messages into outbound mail and records
// the result on the message and its contact.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/utils"
)

// Transport delivers one prepared message.
type Transport interface {
	Send(ctx context.Context, email utils.OutboundEmail) utils.SendResult
}

// Notifier is told about engagement events as they are written.
type Notifier interface {
	Publish(event models.EngagementEvent)
}

type Config struct {
	TrackingBaseURL string
	BatchDelay      time.Duration
}

// bookkeepingTimeout bounds the status writes that follow a transport call.
const bookkeepingTimeout = 10 * time.Second

// Failure reasons for sends that never reached the transport.
const (
	ReasonNoAddress      = "no address"
	ReasonInvalidAddress = "invalid address"
	ReasonWrongStatus    = "wrong status"
	ReasonAlreadyClaimed = "already being sent"
)

// Result is the outcome of one send. Status is the message status afterwards.
type Result struct {
	MessageID          uint                 `json:"message_id"`
	Success            bool                 `json:"success"`
	Status             models.MessageStatus `json:"status"`
	TransportMessageID string               `json:"transport_message_id,omitempty"`
	ErrorKind          utils.ErrorKind      `json:"error_kind,omitempty"`
	Error              string               `json:"error,omitempty"`
}

// BatchResult aggregates a SendBatch run.
type BatchResult struct {
	Total   int      `json:"total"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

type Sender struct {
	db        *gorm.DB
	transport Transport
	cfg       Config
	log       *logrus.Entry
	notifier  Notifier
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewSender(db *gorm.DB, transport Transport, cfg Config) *Sender {
	return &Sender{
		db:        db,
		transport: transport,
		cfg:       cfg,
		log:       utils.Logger("delivery"),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// WithNotifier registers a listener for bounce events.
func (s *Sender) WithNotifier(n Notifier) *Sender {
	s.notifier = n
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prepare builds the wire content for a message: tracked HTML (falling back to
// the text body) and the tracking header.
func (s *Sender) Prepare(msg *models.Message, contact *models.Contact) utils.OutboundEmail {
	body := msg.BodyHTML
	if strings.TrimSpace(body) == "" {
		body = utils.TextToHTML(msg.BodyText)
	}
	return utils.OutboundEmail{
		To:      strings.TrimSpace(contact.Email),
		ToName:  contact.FullName(),
		Subject: msg.Subject,
		Text:    msg.BodyText,
		HTML:    utils.PrepareHTML(body, s.cfg.TrackingBaseURL, msg.TrackingToken),
		Headers: map[string]string{utils.TrackingHeader: msg.TrackingToken},
	}
}

func failed(msg *models.Message, reason string) Result {
	return Result{MessageID: msg.ID, Status: msg.Status, Error: reason}
}

// Send delivers one PENDING message. The message is claimed by a conditional
// PENDING to SENDING update first, so two callers can never both submit it.
// A refused recipient bounces the message and the contact; any other transport
// failure puts the message back to PENDING for a later attempt.
func (s *Sender) Send(ctx context.Context, msg *models.Message, contact *models.Contact) Result {
	if contact == nil || !contact.HasAddress() {
		return failed(msg, ReasonNoAddress)
	}
	if err := checkmail.ValidateFormat(strings.TrimSpace(contact.Email)); err != nil {
		return failed(msg, ReasonInvalidAddress)
	}
	if msg.Status != models.MessagePending {
		return failed(msg, ReasonWrongStatus)
	}

	claimed, err := msg.Transition(s.db.WithContext(ctx), models.MessageSending, nil)
	if err != nil {
		utils.LogError("delivery_claim", err, map[string]interface{}{"message_id": msg.ID})
		return failed(msg, "database error")
	}
	if !claimed {
		return failed(msg, ReasonAlreadyClaimed)
	}

	log := s.log.WithFields(logrus.Fields{"message_id": msg.ID, "contact_id": contact.ID})
	res := s.transport.Send(ctx, s.Prepare(msg, contact))

	// Once the transport has answered, the outcome must be recorded even if
	// the caller has gone away, or the message is stuck in SENDING.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if res.Success {
		if err := s.markSent(ctx, msg, contact, res.MessageID); err != nil {
			utils.LogError("delivery_mark_sent", err, map[string]interface{}{"message_id": msg.ID})
			return Result{MessageID: msg.ID, Status: msg.Status, TransportMessageID: res.MessageID, Error: err.Error()}
		}
		utils.SentTotal.Inc()
		log.Info("message sent")
		return Result{MessageID: msg.ID, Success: true, Status: msg.Status, TransportMessageID: res.MessageID}
	}

	out := Result{MessageID: msg.ID, ErrorKind: res.ErrorKind, Error: res.Error}
	if isRefusal(res) {
		if err := s.markBounced(ctx, msg, contact, res.Error); err != nil {
			utils.LogError("delivery_mark_bounced", err, map[string]interface{}{"message_id": msg.ID})
		}
		utils.BouncedTotal.Inc()
		log.WithField("error", res.Error).Warn("recipient refused, message bounced")
	} else {
		utils.SendFailuresTotal.WithLabelValues(string(res.ErrorKind)).Inc()
		if err := s.revert(ctx, msg); err != nil {
			utils.LogError("delivery_revert", err, map[string]interface{}{"message_id": msg.ID})
		} else {
			log.WithField("error", res.Error).Warn("send failed, message returned to queue")
		}
	}
	out.Status = msg.Status
	return out
}

// isRefusal reports whether the recipient itself was refused. Only that case
// is terminal. The error text is consulted only for transports that do not
// classify their failures.
func isRefusal(res utils.SendResult) bool {
	switch res.ErrorKind {
	case utils.ErrorRecipientRefused:
		return true
	case "":
		lower := strings.ToLower(res.Error)
		return strings.Contains(lower, "refused") || strings.Contains(lower, "rejected")
	default:
		return false
	}
}

func (s *Sender) markSent(ctx context.Context, msg *models.Message, contact *models.Contact, transportID string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := msg.Transition(tx, models.MessageSent, map[string]interface{}{
			"sent_at":              now,
			"transport_message_id": transportID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("message %d left SENDING while in flight", msg.ID)
		}
		if contact.Status.NotYetContacted() {
			res := tx.Model(&models.Contact{}).
				Where("id = ? AND status = ?", contact.ID, contact.Status).
				Updates(map[string]interface{}{"status": models.ContactContacted, "last_contacted_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				contact.Status = models.ContactContacted
				contact.LastContactedAt = &now
			}
		}
		return nil
	})
}

func (s *Sender) markBounced(ctx context.Context, msg *models.Message, contact *models.Contact, reason string) error {
	now := s.now().UTC()
	var event *models.EngagementEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := msg.Transition(tx, models.MessageBounced, map[string]interface{}{"bounced_at": now})
		if err != nil || !ok {
			return err
		}
		if err := tx.Model(&models.Contact{}).Where("id = ?", contact.ID).
			Update("status", models.ContactBounced).Error; err != nil {
			return err
		}
		contact.Status = models.ContactBounced

		event = &models.EngagementEvent{
			MessageID: msg.ID,
			Type:      models.EventBounce,
			Timestamp: now,
			Extra:     map[string]interface{}{"reason": reason},
		}
		return tx.Create(event).Error
	})
	if err == nil && event != nil && s.notifier != nil {
		s.notifier.Publish(*event)
	}
	return err
}

func (s *Sender) revert(ctx context.Context, msg *models.Message) error {
	// SENDING -> PENDING is outside the public transition table; it only
	// undoes this sender's own claim.
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", msg.ID, models.MessageSending).
		Update("status", models.MessagePending)
	if res.Error != nil {
		return res.Error
	}
	msg.Status = models.MessagePending
	return nil
}

// SendByID loads a message and its contact and sends it.
func (s *Sender) SendByID(ctx context.Context, id uint) (Result, error) {
	msg, contact, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return s.Send(ctx, msg, contact), nil
}

func (s *Sender) load(ctx context.Context, id uint) (*models.Message, *models.Contact, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, models.ErrMessageNotFound
		}
		return nil, nil, err
	}
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, msg.ContactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, models.ErrContactNotFound
		}
		return nil, nil, err
	}
	return &msg, &contact, nil
}

// SendBatch sends the messages one after another, waiting delay between sends
// but not after the last one. A failing message does not stop the batch.
// Cancelling ctx stops the batch between messages.
func (s *Sender) SendBatch(ctx context.Context, messages []models.Message, delay time.Duration) BatchResult {
	batch := BatchResult{Total: len(messages)}
	for i := range messages {
		msg := &messages[i]

		var contact models.Contact
		var res Result
		if err := s.db.WithContext(ctx).First(&contact, msg.ContactID).Error; err != nil {
			res = failed(msg, models.ErrContactNotFound.Error())
		} else {
			res = s.Send(ctx, msg, &contact)
		}

		batch.Results = append(batch.Results, res)
		if res.Success {
			batch.Sent++
		} else {
			batch.Failed++
		}

		if i < len(messages)-1 {
			if err := s.sleep(ctx, delay); err != nil {
				s.log.WithError(err).Info("batch interrupted")
				break
			}
		}
	}
	return batch
}

// SendBatchByIDs is SendBatch for message ids. Unknown ids are reported as failures.
func (s *Sender) SendBatchByIDs(ctx context.Context, ids []uint, delay time.Duration) BatchResult {
	var found []models.Message
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		utils.LogError("delivery_batch_load", err, nil)
	}
	byID := make(map[uint]models.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}

	var ordered []models.Message
	var missing []Result
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		} else {
			missing = append(missing, Result{MessageID: id, Error: models.ErrMessageNotFound.Error()})
		}
	}

	batch := s.SendBatch(ctx, ordered, delay)
	batch.Total += len(missing)
	batch.Failed += len(missing)
	batch.Results = append(batch.Results, missing...)
	return batch
}

// RecordBounce marks a sent message as bounced after the fact, for example
// from a delivery status notification.
func (s *Sender) RecordBounce(ctx context.Context, id uint, reason string) (bool, error) {
	msg, contact, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !models.CanTransition(msg.Status, models.MessageBounced) {
		return false, nil
	}
	if err := s.markBounced(ctx, msg, contact, reason); err != nil {
		return false, err
	}
	utils.BouncedTotal.Inc()
	return msg.Status == models.MessageBounced, nil
}
