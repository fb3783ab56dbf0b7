package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/models"
)

// DueMessages returns PENDING messages whose scheduled time has passed, oldest
// first. limit <= 0 means "as many as the remaining quota allows", and the
// result never exceeds the remaining quota. With respectWindow set nothing is
// due outside the business window.
func (s *Scheduler) DueMessages(ctx context.Context, limit int, respectWindow bool) ([]models.Message, error) {
	quota, err := s.CheckDailyQuota(ctx)
	if err != nil {
		return nil, err
	}
	if !quota.CanSend {
		return []models.Message{}, nil
	}

	now := s.now()
	if respectWindow && !s.IsBusinessWindow(now) {
		return []models.Message{}, nil
	}

	if limit <= 0 || limit > quota.Remaining {
		limit = quota.Remaining
	}

	var messages []models.Message
	err = s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.MessagePending, now.UTC()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load due messages: %w", err)
	}
	return messages, nil
}

func (s *Scheduler) findContact(ctx context.Context, contactID uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, contactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrContactNotFound
		}
		return nil, err
	}
	return &contact, nil
}

// ScheduleSequence assigns a send time to each unsent step of a contact's
// sequence: start plus the step's day offset, moved into the business window,
// plus up to MaxJitter of random offset, moved into the window again.
// A zero start means the next business window. DRAFT steps become PENDING;
// steps past PENDING are left alone.
func (s *Scheduler) ScheduleSequence(ctx context.Context, contactID uint, start time.Time) ([]time.Time, error) {
	if _, err := s.findContact(ctx, contactID); err != nil {
		return nil, err
	}
	if start.IsZero() {
		start = s.NextBusinessWindowStart(s.Now())
	}
	start = start.In(s.cfg.Location)

	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("sequence_step ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	var scheduled []time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range messages {
			msg := &messages[i]
			if msg.Status != models.MessageDraft && msg.Status != models.MessagePending {
				continue
			}

			at := start.AddDate(0, 0, msg.ScheduledDay)
			at = s.NextBusinessWindowStart(at)
			at = at.Add(s.jitter())
			at = s.NextBusinessWindowStart(at)
			stored := at.UTC()

			if msg.Status == models.MessageDraft {
				ok, err := msg.Transition(tx, models.MessagePending, map[string]interface{}{"scheduled_at": stored})
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			} else {
				res := tx.Model(&models.Message{}).
					Where("id = ? AND status = ?", msg.ID, models.MessagePending).
					Update("scheduled_at", stored)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					continue
				}
			}
			scheduled = append(scheduled, at)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sequence: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"contact_id": contactID,
		"scheduled":  len(scheduled),
	}).Info("sequence scheduled")
	return scheduled, nil
}

// PauseSequence cancels every PENDING message of the contact. Messages already
// handed to the transport are not recalled.
func (s *Scheduler) PauseSequence(ctx context.Context, contactID uint) (int64, error) {
	if _, err := s.findContact(ctx, contactID); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("contact_id = ? AND status = ?", contactID, models.MessagePending).
		Update("status", models.MessageCancelled)
	if res.Error != nil {
		return 0, fmt.Errorf("pause sequence: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ResumeSequence puts cancelled, never-sent messages back to PENDING. Messages
// whose time has passed are moved to the next business window start. A contact
// that replied, bounced, converted or was archived cannot be resumed.
func (s *Scheduler) ResumeSequence(ctx context.Context, contactID uint) (int64, error) {
	contact, err := s.findContact(ctx, contactID)
	if err != nil {
		return 0, err
	}
	if contact.Status.Closed() {
		return 0, models.ErrSequenceClosed
	}

	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("contact_id = ? AND status = ? AND sent_at IS NULL", contactID, models.MessageCancelled).
		Find(&messages).Error; err != nil {
		return 0, fmt.Errorf("load cancelled messages: %w", err)
	}

	now := s.now()
	next := s.NextBusinessWindowStart(now).UTC()

	var resumed int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, msg := range messages {
			updates := map[string]interface{}{"status": models.MessagePending}
			if msg.ScheduledAt == nil || msg.ScheduledAt.Before(now) {
				updates["scheduled_at"] = next
			}
			res := tx.Model(&models.Message{}).
				Where("id = ? AND status = ?", msg.ID, models.MessageCancelled).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			resumed += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resume sequence: %w", err)
	}
	return resumed, nil
}

// QueueStatus summarises the send queue for operators.
type QueueStatus struct {
	PendingCount     int64      `json:"pending_count"`
	DueCount         int64      `json:"due_count"`
	NextScheduledAt  *time.Time `json:"next_scheduled_at"`
	IsBusinessHours  bool       `json:"is_business_hours"`
	NextBusinessHour *time.Time `json:"next_business_hour"`
	DailyLimit       int        `json:"daily_limit"`
	SentToday        int64      `json:"sent_today"`
	RemainingToday   int        `json:"remaining_today"`
	CanSend          bool       `json:"can_send"`
}

func (s *Scheduler) QueueStatus(ctx context.Context) (QueueStatus, error) {
	now := s.Now()
	db := s.db.WithContext(ctx)

	var status QueueStatus
	if err := db.Model(&models.Message{}).
		Where("status = ?", models.MessagePending).
		Count(&status.PendingCount).Error; err != nil {
		return status, err
	}
	if err := db.Model(&models.Message{}).
		Where("status = ? AND scheduled_at <= ?", models.MessagePending, now.UTC()).
		Count(&status.DueCount).Error; err != nil {
		return status, err
	}

	var next models.Message
	err := db.Where("status = ? AND scheduled_at > ?", models.MessagePending, now.UTC()).
		Order("scheduled_at ASC").
		Limit(1).
		Find(&next).Error
	if err != nil {
		return status, err
	}
	if next.ID != 0 && next.ScheduledAt != nil {
		at := next.ScheduledAt.In(s.cfg.Location)
		status.NextScheduledAt = &at
	}

	status.IsBusinessHours = s.IsBusinessWindow(now)
	if !status.IsBusinessHours {
		nb := s.NextBusinessWindowStart(now)
		status.NextBusinessHour = &nb
	}

	quota, err := s.CheckDailyQuota(ctx)
	if err != nil {
		return status, err
	}
	status.DailyLimit = quota.DailyLimit
	status.SentToday = quota.SentToday
	status.RemainingToday = quota.Remaining
	status.CanSend = quota.CanSend && status.IsBusinessHours
	return status, nil
}

// SendStats is the per-status breakdown plus today's sends by hour.
type SendStats struct {
	ByStatus map[models.MessageStatus]int64 `json:"by_status"`
	Today    struct {
		Sent      int64       `json:"sent"`
		Remaining int         `json:"remaining"`
		Limit     int         `json:"limit"`
		ByHour    map[int]int `json:"by_hour"`
	} `json:"today"`
	Queue struct {
		Pending         int64 `json:"pending"`
		IsBusinessHours bool  `json:"is_business_hours"`
	} `json:"queue"`
}

func (s *Scheduler) SendStats(ctx context.Context) (SendStats, error) {
	var stats SendStats
	stats.ByStatus = make(map[models.MessageStatus]int64, len(models.MessageStatuses))
	db := s.db.WithContext(ctx)

	type row struct {
		Status models.MessageStatus
		Count  int64
	}
	var rows []row
	if err := db.Model(&models.Message{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, st := range models.MessageStatuses {
		stats.ByStatus[st] = 0
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
	}

	quota, err := s.CheckDailyQuota(ctx)
	if err != nil {
		return stats, err
	}
	stats.Today.Sent = quota.SentToday
	stats.Today.Remaining = quota.Remaining
	stats.Today.Limit = quota.DailyLimit

	start, end := s.dayBounds(s.now())
	var sentAt []time.Time
	if err := db.Model(&models.Message{}).
		Where("status IN ? AND sent_at >= ? AND sent_at < ?", models.SentStatuses(), start.UTC(), end.UTC()).
		Order("sent_at ASC").
		Pluck("sent_at", &sentAt).Error; err != nil {
		return stats, err
	}
	stats.Today.ByHour = make(map[int]int)
	for _, t := range sentAt {
		stats.Today.ByHour[t.In(s.cfg.Location).Hour()]++
	}

	stats.Queue.Pending = stats.ByStatus[models.MessagePending]
	stats.Queue.IsBusinessHours = s.IsBusinessWindow(s.now())
	return stats, nil
}
