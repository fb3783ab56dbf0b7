package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/utils"
)

// Stats aggregates engagement over a trailing window. Rates are percentages of
// the messages sent in the window.
type Stats struct {
	TotalSent    int64 `json:"total_sent"`
	TotalOpens   int64 `json:"total_opens"`
	UniqueOpens  int64 `json:"unique_opens"`
	TotalClicks  int64 `json:"total_clicks"`
	UniqueClicks int64 `json:"unique_clicks"`
	TotalReplies int64 `json:"total_replies"`
	TotalBounces int64 `json:"total_bounces"`

	OpenRate   float64 `json:"open_rate"`
	ClickRate  float64 `json:"click_rate"`
	ReplyRate  float64 `json:"reply_rate"`
	BounceRate float64 `json:"bounce_rate"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type EventView struct {
	ID        uint             `json:"id"`
	MessageID uint             `json:"message_id"`
	Type      models.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	IPAddress string           `json:"ip_address,omitempty"`
	URL       string           `json:"url,omitempty"`
}

// Engagement summarises one contact's activity.
type Engagement struct {
	ContactID    uint        `json:"contact_id"`
	ContactName  string      `json:"contact_name"`
	Email        string      `json:"email_address"`
	EmailsSent   int         `json:"emails_sent"`
	Opens        int         `json:"opens"`
	Clicks       int         `json:"clicks"`
	Replied      bool        `json:"replied"`
	LastActivity *time.Time  `json:"last_activity"`
	Events       []EventView `json:"events"`
}

type DailyStat struct {
	Date    string `json:"date"`
	Sent    int64  `json:"sent"`
	Opens   int64  `json:"opens"`
	Clicks  int64  `json:"clicks"`
	Replies int64  `json:"replies"`
}

type LinkStat struct {
	URL          string `json:"url"`
	Clicks       int64  `json:"clicks"`
	UniqueClicks int64  `json:"unique_clicks"`
}

// MessageTracking is the tracking view of a single message.
type MessageTracking struct {
	MessageID     uint                 `json:"message_id"`
	TrackingToken string               `json:"tracking_token"`
	Status        models.MessageStatus `json:"status"`
	SentAt        *time.Time           `json:"sent_at"`
	OpenedAt      *time.Time           `json:"opened_at"`
	ClickedAt     *time.Time           `json:"clicked_at"`
	RepliedAt     *time.Time           `json:"replied_at"`
	OpenCount     int                  `json:"open_count"`
	ClickCount    int                  `json:"click_count"`
	Events        []EventView          `json:"events"`
}

// Summary is an all-time snapshot based on message counters rather than events.
type Summary struct {
	TotalSent    int64   `json:"total_sent"`
	UniqueOpens  int64   `json:"unique_opens"`
	UniqueClicks int64   `json:"unique_clicks"`
	TotalReplies int64   `json:"total_replies"`
	TotalBounced int64   `json:"total_bounced"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	ReplyRate    float64 `json:"reply_rate"`
	BounceRate   float64 `json:"bounce_rate"`
	TotalEvents  int64   `json:"total_events"`
}

// EventFilter selects events for Events. An empty Type matches all types.
type EventFilter struct {
	Type   models.EventType
	Limit  int
	Offset int
}

func viewOf(e models.EngagementEvent) EventView {
	return EventView{
		ID:        e.ID,
		MessageID: e.MessageID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		IPAddress: e.IPAddress,
		URL:       e.ClickedURL,
	}
}

// sentMessages selects messages that went out, whatever engagement followed.
func sentMessages(db *gorm.DB) *gorm.DB {
	return db.Model(&models.Message{}).Where("status IN ?", models.SentStatuses())
}

func (t *Tracker) countSent(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	q := sentMessages(t.db.WithContext(ctx)).Where("sent_at >= ?", from.UTC())
	if !to.IsZero() {
		q = q.Where("sent_at < ?", to.UTC())
	}
	return n, q.Count(&n).Error
}

// countEvents counts events of a type in [from, to). A zero to is open ended.
// With distinct set it counts messages that had at least one such event.
func (t *Tracker) countEvents(ctx context.Context, typ models.EventType, from, to time.Time, distinct bool) (int64, error) {
	var n int64
	q := t.db.WithContext(ctx).Model(&models.EngagementEvent{}).
		Where("type = ? AND timestamp >= ?", typ, from.UTC())
	if !to.IsZero() {
		q = q.Where("timestamp < ?", to.UTC())
	}
	if distinct {
		q = q.Distinct("message_id")
	}
	return n, q.Count(&n).Error
}

// OverallStats aggregates the last `days` days. Unique counts are distinct
// messages; total counts are events.
func (t *Tracker) OverallStats(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 30
	}
	now := t.now().In(t.loc)
	start := now.AddDate(0, 0, -days)
	stats := &Stats{PeriodStart: start, PeriodEnd: now}

	var err error
	if stats.TotalSent, err = t.countSent(ctx, start, time.Time{}); err != nil {
		return nil, fmt.Errorf("count sent: %w", err)
	}

	counts := []struct {
		dst      *int64
		typ      models.EventType
		distinct bool
	}{
		{&stats.TotalOpens, models.EventOpen, false},
		{&stats.UniqueOpens, models.EventOpen, true},
		{&stats.TotalClicks, models.EventClick, false},
		{&stats.UniqueClicks, models.EventClick, true},
		{&stats.TotalReplies, models.EventReply, false},
		{&stats.TotalBounces, models.EventBounce, false},
	}
	for _, c := range counts {
		if *c.dst, err = t.countEvents(ctx, c.typ, start, time.Time{}, c.distinct); err != nil {
			return nil, fmt.Errorf("count %s events: %w", c.typ, err)
		}
	}

	stats.OpenRate = utils.Rate(stats.UniqueOpens, stats.TotalSent)
	stats.ClickRate = utils.Rate(stats.UniqueClicks, stats.TotalSent)
	stats.ReplyRate = utils.Rate(stats.TotalReplies, stats.TotalSent)
	stats.BounceRate = utils.Rate(stats.TotalBounces, stats.TotalSent)
	return stats, nil
}

// ContactEngagement returns the sent messages and latest events of a contact.
func (t *Tracker) ContactEngagement(ctx context.Context, contactID uint) (*Engagement, error) {
	var contact models.Contact
	if err := t.db.WithContext(ctx).First(&contact, contactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrContactNotFound
		}
		return nil, err
	}

	out := &Engagement{
		ContactID:   contact.ID,
		ContactName: contact.FullName(),
		Email:       contact.Email,
		Replied:     contact.Status == models.ContactReplied,
		Events:      []EventView{},
	}

	var messages []models.Message
	if err := sentMessages(t.db.WithContext(ctx)).
		Where("contact_id = ?", contactID).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return out, nil
	}

	ids := make([]uint, 0, len(messages))
	for _, m := range messages {
		out.EmailsSent++
		out.Opens += m.OpenCount
		out.Clicks += m.ClickCount
		ids = append(ids, m.ID)
	}

	var events []models.EngagementEvent
	if err := t.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("timestamp DESC, id DESC").
		Limit(50).
		Find(&events).Error; err != nil {
		return nil, err
	}
	for _, e := range events {
		out.Events = append(out.Events, viewOf(e))
	}
	if len(events) > 0 {
		last := events[0].Timestamp
		out.LastActivity = &last
	}
	return out, nil
}

// Events lists events newest first and reports the total matching the filter.
func (t *Tracker) Events(ctx context.Context, f EventFilter) ([]models.EngagementEvent, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := t.db.WithContext(ctx).Model(&models.EngagementEvent{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	events := []models.EngagementEvent{}
	err := q.Order("timestamp DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&events).Error
	return events, total, err
}

// DailyStats returns one row per calendar day in the business timezone, oldest
// first, ending today.
func (t *Tracker) DailyStats(ctx context.Context, days int) ([]DailyStat, error) {
	if days <= 0 {
		days = 7
	}
	now := t.now().In(t.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc)

	out := make([]DailyStat, 0, days)
	for i := days - 1; i >= 0; i-- {
		start := today.AddDate(0, 0, -i)
		end := start.AddDate(0, 0, 1)

		row := DailyStat{Date: start.Format("2006-01-02")}
		var err error
		if row.Sent, err = t.countSent(ctx, start, end); err != nil {
			return nil, err
		}
		if row.Opens, err = t.countEvents(ctx, models.EventOpen, start, end, false); err != nil {
			return nil, err
		}
		if row.Clicks, err = t.countEvents(ctx, models.EventClick, start, end, false); err != nil {
			return nil, err
		}
		if row.Replies, err = t.countEvents(ctx, models.EventReply, start, end, false); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// TopClickedLinks ranks clicked URLs over the last `days` days.
func (t *Tracker) TopClickedLinks(ctx context.Context, limit, days int) ([]LinkStat, error) {
	if limit <= 0 {
		limit = 10
	}
	if days <= 0 {
		days = 30
	}
	start := t.now().AddDate(0, 0, -days).UTC()

	links := []LinkStat{}
	err := t.db.WithContext(ctx).Model(&models.EngagementEvent{}).
		Select("clicked_url AS url, COUNT(id) AS clicks, COUNT(DISTINCT message_id) AS unique_clicks").
		Where("type = ? AND timestamp >= ? AND clicked_url <> ''", models.EventClick, start).
		Group("clicked_url").
		Order("clicks DESC, url ASC").
		Limit(limit).
		Scan(&links).Error
	if err != nil {
		return nil, fmt.Errorf("top links: %w", err)
	}
	return links, nil
}

// MessageTracking returns counters, timestamps and every event of a message.
func (t *Tracker) MessageTracking(ctx context.Context, messageID uint) (*MessageTracking, error) {
	var msg models.Message
	if err := t.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrMessageNotFound
		}
		return nil, err
	}

	var events []models.EngagementEvent
	if err := t.db.WithContext(ctx).
		Where("message_id = ?", msg.ID).
		Order("timestamp DESC, id DESC").
		Find(&events).Error; err != nil {
		return nil, err
	}

	out := &MessageTracking{
		MessageID:     msg.ID,
		TrackingToken: msg.TrackingToken,
		Status:        msg.Status,
		SentAt:        msg.SentAt,
		OpenedAt:      msg.OpenedAt,
		ClickedAt:     msg.ClickedAt,
		RepliedAt:     msg.RepliedAt,
		OpenCount:     msg.OpenCount,
		ClickCount:    msg.ClickCount,
		Events:        make([]EventView, 0, len(events)),
	}
	for _, e := range events {
		out.Events = append(out.Events, viewOf(e))
	}
	return out, nil
}

func (t *Tracker) Summary(ctx context.Context) (*Summary, error) {
	db := t.db.WithContext(ctx)
	s := &Summary{}

	if err := sentMessages(db).Count(&s.TotalSent).Error; err != nil {
		return nil, err
	}
	if err := sentMessages(db).Where("open_count > 0").Count(&s.UniqueOpens).Error; err != nil {
		return nil, err
	}
	if err := sentMessages(db).Where("click_count > 0").Count(&s.UniqueClicks).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Message{}).Where("status = ?", models.MessageReplied).Count(&s.TotalReplies).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Message{}).Where("status = ?", models.MessageBounced).Count(&s.TotalBounced).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.EngagementEvent{}).Count(&s.TotalEvents).Error; err != nil {
		return nil, err
	}

	s.OpenRate = utils.Rate(s.UniqueOpens, s.TotalSent)
	s.ClickRate = utils.Rate(s.UniqueClicks, s.TotalSent)
	s.ReplyRate = utils.Rate(s.TotalReplies, s.TotalSent)
	// bounced messages never reach a sent status, so they are measured
	// against everything that was attempted
	s.BounceRate = utils.Rate(s.TotalBounced, s.TotalSent+s.TotalBounced)
	return s, nil
}
