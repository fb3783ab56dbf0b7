package models

import (
	"strings"
	"time"
)

// ContactStatus is the lifecycle status of an outreach contact. Enrichment and
// scoring own the early statuses; sending and engagement drive the later ones.
type ContactStatus string

const (
	ContactNew          ContactStatus = "NEW"
	ContactEnriched     ContactStatus = "ENRICHED"
	ContactNoEmail      ContactStatus = "NO_EMAIL"
	ContactQualified    ContactStatus = "QUALIFIED"
	ContactDisqualified ContactStatus = "DISQUALIFIED"
	ContactSequenced    ContactStatus = "SEQUENCED"
	ContactContacted    ContactStatus = "CONTACTED"
	ContactOpened       ContactStatus = "OPENED"
	ContactClicked      ContactStatus = "CLICKED"
	ContactReplied      ContactStatus = "REPLIED"
	ContactBounced      ContactStatus = "BOUNCED"
	ContactConverted    ContactStatus = "CONVERTED"
	ContactArchived     ContactStatus = "ARCHIVED"
)

// NotYetContacted reports whether a successful send should move the contact to CONTACTED.
func (s ContactStatus) NotYetContacted() bool {
	return s == ContactQualified || s == ContactSequenced
}

// Closed reports whether the sequence for this contact must not be restarted.
func (s ContactStatus) Closed() bool {
	switch s {
	case ContactReplied, ContactBounced, ContactConverted, ContactArchived:
		return true
	}
	return false
}

// Contact is the recipient of an outreach sequence
type Contact struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `gorm:"index" json:"email"`
	Company   string `json:"company"`

	Status          ContactStatus `gorm:"type:varchar(20);not null;default:'NEW';index" json:"status"`
	LastContactedAt *time.Time    `json:"last_contacted_at"`
	RepliedAt       *time.Time    `json:"replied_at"`

	// Relations
	Messages []Message `gorm:"foreignKey:ContactID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// HasAddress reports whether the contact has a destination address at all.
func (c *Contact) HasAddress() bool {
	return strings.TrimSpace(c.Email) != ""
}
