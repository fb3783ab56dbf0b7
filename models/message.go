package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageStatus is the delivery status of one sequence step.
type MessageStatus string

const (
	MessageDraft     MessageStatus = "DRAFT"
	MessagePending   MessageStatus = "PENDING"
	MessageSending   MessageStatus = "SENDING"
	MessageSent      MessageStatus = "SENT"
	MessageOpened    MessageStatus = "OPENED"
	MessageClicked   MessageStatus = "CLICKED"
	MessageReplied   MessageStatus = "REPLIED"
	MessageBounced   MessageStatus = "BOUNCED"
	MessageCancelled MessageStatus = "CANCELLED"
)

// MessageStatuses lists every status in lifecycle order.
var MessageStatuses = []MessageStatus{
	MessageDraft, MessagePending, MessageSending, MessageSent, MessageOpened,
	MessageClicked, MessageReplied, MessageBounced, MessageCancelled,
}

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageDraft:     {MessagePending, MessageCancelled},
	MessagePending:   {MessageSending, MessageCancelled},
	MessageSending:   {MessageSent, MessageBounced},
	MessageSent:      {MessageOpened, MessageReplied, MessageBounced},
	MessageOpened:    {MessageClicked, MessageReplied},
	MessageClicked:   {MessageReplied},
	MessageReplied:   {},
	MessageBounced:   {},
	MessageCancelled: {},
}

// CanTransition is the single source of truth for allowed status changes.
func CanTransition(from, to MessageStatus) bool {
	for _, allowed := range messageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s MessageStatus) IsTerminal() bool {
	next, ok := messageTransitions[s]
	return ok && len(next) == 0
}

func (s MessageStatus) Valid() bool {
	_, ok := messageTransitions[s]
	return ok
}

// WasSent reports whether a message in this status has left the transport successfully.
func (s MessageStatus) WasSent() bool {
	switch s {
	case MessageSent, MessageOpened, MessageClicked, MessageReplied:
		return true
	}
	return false
}

func ParseMessageStatus(s string) (MessageStatus, error) {
	status := MessageStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid status: %s", s)
	}
	return status, nil
}

// SentStatuses are the statuses that count towards sent volume.
func SentStatuses() []MessageStatus {
	return []MessageStatus{MessageSent, MessageOpened, MessageClicked, MessageReplied}
}

// Sequence steps and their default day offsets from the sequence start.
const (
	StepInitial   = 1
	StepFollowUp1 = 2
	StepFollowUp2 = 3
	StepBreakup   = 4
)

var stepDayOffsets = map[int]int{
	StepInitial:   0,
	StepFollowUp1: 3,
	StepFollowUp2: 7,
	StepBreakup:   14,
}

// DefaultDayOffset returns the scheduling offset in days for a sequence step.
func DefaultDayOffset(step int) int {
	return stepDayOffsets[step]
}

// Message is one step of a contact's outreach sequence
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ContactID uint      `gorm:"not null;index" json:"contact_id"`

	// Content, written by the content provider
	Subject  string `gorm:"not null" json:"subject"`
	BodyText string `gorm:"type:text" json:"body_text"`
	BodyHTML string `gorm:"type:text" json:"body_html,omitempty"`

	SequenceStep int `gorm:"not null;default:1" json:"sequence_step"`
	ScheduledDay int `gorm:"not null;default:0" json:"scheduled_day"`

	// Tracking
	TrackingToken      string `gorm:"type:varchar(64);uniqueIndex;not null" json:"tracking_token"`
	TransportMessageID string `gorm:"type:varchar(255);index" json:"transport_message_id,omitempty"`

	Status     MessageStatus `gorm:"type:varchar(20);not null;default:'DRAFT';index" json:"status"`
	OpenCount  int           `gorm:"not null;default:0" json:"open_count"`
	ClickCount int           `gorm:"not null;default:0" json:"click_count"`

	ScheduledAt *time.Time `gorm:"index" json:"scheduled_at"`
	SentAt      *time.Time `gorm:"index" json:"sent_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	BouncedAt   *time.Time `json:"bounced_at"`

	// Relations
	Events []EngagementEvent `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"events,omitempty"`
}

// BeforeCreate assigns a fresh tracking token to messages created without one.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.TrackingToken == "" {
		m.TrackingToken = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MessageDraft
	}
	return nil
}

// Transition moves the message to status `to` and writes the extra columns in the
// same statement. The update is conditional on the status still being the one
// loaded, so a concurrent writer makes it a no-op instead of a lost update.
// It returns false without touching the database when the table forbids the change.
func (m *Message) Transition(tx *gorm.DB, to MessageStatus, fields map[string]interface{}) (bool, error) {
	if !CanTransition(m.Status, to) {
		return false, nil
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := tx.Model(&Message{}).Where("id = ? AND status = ?", m.ID, m.Status).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	return true, tx.First(m, m.ID).Error
}
