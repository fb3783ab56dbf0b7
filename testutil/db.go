// Package testutil provides an in-memory database for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coldreach/models"
)

// NewDB opens a private in-memory sqlite database named after the test and migrates
// the schema. Times are written in UTC like the production connection does.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Contact{}, &models.Message{}, &models.EngagementEvent{}))
	return db
}

// CreateContact inserts a contact with the given status and address.
func CreateContact(t *testing.T, db *gorm.DB, status models.ContactStatus, email string) *models.Contact {
	t.Helper()
	c := &models.Contact{FirstName: "Jan", LastName: "de Vries", Email: email, Company: "Acme BV", Status: status}
	require.NoError(t, db.Create(c).Error)
	return c
}

// CreateMessage inserts a message for the contact. scheduledAt may be nil.
func CreateMessage(t *testing.T, db *gorm.DB, contactID uint, step int, status models.MessageStatus, scheduledAt *time.Time) *models.Message {
	t.Helper()
	m := &models.Message{
		ContactID:    contactID,
		Subject:      fmt.Sprintf("Step %d", step),
		BodyText:     "Hello there",
		BodyHTML:     `<html><body><p>Hello</p><a href="https://acme.example/pricing">pricing</a></body></html>`,
		SequenceStep: step,
		ScheduledDay: models.DefaultDayOffset(step),
		Status:       status,
	}
	if scheduledAt != nil {
		at := scheduledAt.UTC()
		m.ScheduledAt = &at
	}
	require.NoError(t, db.Create(m).Error)
	return m
}

// Reload fetches the current row for a message.
func Reload(t *testing.T, db *gorm.DB, id uint) *models.Message {
	t.Helper()
	var m models.Message
	require.NoError(t, db.First(&m, id).Error)
	return &m
}

// ReloadContact fetches the current row for a contact.
func ReloadContact(t *testing.T, db *gorm.DB, id uint) *models.Contact {
	t.Helper()
	var c models.Contact
	require.NoError(t, db.First(&c, id).Error)
	return &c
}

// Ptr returns a pointer to t.
func Ptr(t time.Time) *time.Time {
	return &t
}
