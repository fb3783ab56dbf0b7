package scheduler

import (
	"context"
	"fmt"
	"time"

	"coldreach/models"
)

// QuotaStatus is the daily volume picture for the current business day.
type QuotaStatus struct {
	SentToday  int64     `json:"sent_today"`
	DailyLimit int       `json:"daily_limit"`
	Remaining  int       `json:"remaining_today"`
	CanSend    bool      `json:"can_send"`
	ResetAt    time.Time `json:"reset_at"`
}

// CheckDailyQuota counts messages sent during today's business-timezone day.
// Messages that were opened, clicked or replied to after sending still count.
//
// The check is a plain read. A caller that checks and then sends races with
// other senders, so under concurrency the limit can be overshot by the sends
// already in flight.
func (s *Scheduler) CheckDailyQuota(ctx context.Context) (QuotaStatus, error) {
	start, end := s.dayBounds(s.now())

	var sent int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("status IN ?", models.SentStatuses()).
		Where("sent_at >= ? AND sent_at < ?", start.UTC(), end.UTC()).
		Count(&sent).Error
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("count sent messages: %w", err)
	}

	remaining := s.cfg.DailyLimit - int(sent)
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{
		SentToday:  sent,
		DailyLimit: s.cfg.DailyLimit,
		Remaining:  remaining,
		CanSend:    remaining > 0,
		ResetAt:    end,
	}, nil
}

// CanSendNow combines the window and quota checks into a yes/no plus a reason
// fit for showing to an operator. It never fails; lookup errors read as "no".
func (s *Scheduler) CanSendNow(ctx context.Context) (bool, string) {
	now := s.Now()
	if !s.IsBusinessWindow(now) {
		next := s.NextBusinessWindowStart(now)
		return false, fmt.Sprintf("Outside business hours (next window: %s)", next.Format(time.RFC3339))
	}

	quota, err := s.CheckDailyQuota(ctx)
	if err != nil {
		s.log.WithError(err).Warn("quota check failed")
		return false, "Unable to verify daily limit"
	}
	if !quota.CanSend {
		return false, fmt.Sprintf("Daily limit reached (%d/%d)", quota.SentToday, quota.DailyLimit)
	}
	return true, "OK"
}
