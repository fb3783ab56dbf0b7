package models

import (
	"strings"
	"time"
)

type EventType string

const (
	EventOpen        EventType = "OPEN"
	EventClick       EventType = "CLICK"
	EventReply       EventType = "REPLY"
	EventBounce      EventType = "BOUNCE"
	EventComplaint   EventType = "COMPLAINT"
	EventUnsubscribe EventType = "UNSUBSCRIBE"
)

var eventTypes = []EventType{EventOpen, EventClick, EventReply, EventBounce, EventComplaint, EventUnsubscribe}

// ParseEventType accepts upper or lower case names.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range eventTypes {
		if string(t) == strings.ToUpper(s) {
			return t, true
		}
	}
	return "", false
}

// EngagementEvent is an append-only record of something a recipient did with a message.
// Rows are never updated; deleting the message deletes its events.
type EngagementEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	MessageID uint      `gorm:"not null;index" json:"message_id"`
	Type      EventType `gorm:"type:varchar(20);not null;index" json:"type"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`

	IPAddress  string                 `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent  string                 `gorm:"type:text" json:"user_agent,omitempty"`
	Referer    string                 `gorm:"type:text" json:"referer,omitempty"`
	ClickedURL string                 `gorm:"type:text" json:"clicked_url,omitempty"`
	Extra      map[string]interface{} `gorm:"serializer:json;type:text" json:"extra,omitempty"`
}
