package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/delivery"
	"coldreach/models"
	"coldreach/scheduler"
	"coldreach/utils"
)

// SendWorker drains the queue one message at a time: every tick it sends the
// oldest due message if the loop is running, the business window is open and
// quota remains, then waits a random delay before the next send.
type SendWorker struct {
	db       *gorm.DB
	sender   *delivery.Sender
	interval time.Duration
	paused   atomic.Bool
	log      *logrus.Entry

	// newScheduler builds a scheduler per tick so config changes apply.
	newScheduler func() *scheduler.Scheduler
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewSendWorker(db *gorm.DB, sender *delivery.Sender, interval time.Duration) *SendWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SendWorker{
		db:           db,
		sender:       sender,
		interval:     interval,
		log:          utils.Logger("send_worker"),
		newScheduler: func() *scheduler.Scheduler { return scheduler.NewFromDefaults(db) },
		sleep:        sleepContext,
	}
}

func (w *SendWorker) Pause() {
	w.paused.Store(true)
	w.log.Info("send loop paused")
}

func (w *SendWorker) Resume() {
	w.paused.Store(false)
	w.log.Info("send loop started")
}

func (w *SendWorker) Paused() bool { return w.paused.Load() }

func (w *SendWorker) Start(ctx context.Context) {
	w.log.WithField("interval", w.interval).Info("Send worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Send worker shutting down...")
			return
		case <-ticker.C:
			if wait := w.Tick(ctx); wait > 0 {
				if err := w.sleep(ctx, wait); err != nil {
					return
				}
			}
		}
	}
}

// Tick performs one iteration and returns how long to wait before the next
// send. It is zero when nothing was sent.
func (w *SendWorker) Tick(ctx context.Context) time.Duration {
	s := w.newScheduler()

	var pending int64
	if err := w.db.WithContext(ctx).Model(&models.Message{}).
		Where("status = ?", models.MessagePending).Count(&pending).Error; err == nil {
		utils.PendingMessages.Set(float64(pending))
	}

	if w.Paused() {
		return 0
	}
	if ok, reason := s.CanSendNow(ctx); !ok {
		w.log.WithField("reason", reason).Debug("not sending")
		return 0
	}

	due, err := s.DueMessages(ctx, dueWindow, true)
	if err != nil {
		utils.LogError("send_worker_due", err, nil)
		return 0
	}

	for i := range due {
		batch := w.sender.SendBatch(ctx, due[i:i+1], 0)
		if batch.Sent > 0 {
			return s.RandomDelay()
		}
		res := batch.Results[0]
		log := w.log.WithFields(logrus.Fields{"message_id": res.MessageID, "error": res.Error})
		if !unsendable(res) {
			// The transport was tried; leave the rest for the next tick.
			log.Warn("queued send failed")
			return 0
		}
		if err := w.postpone(ctx, s, &due[i]); err != nil {
			utils.LogError("send_worker_postpone", err, map[string]interface{}{"message_id": res.MessageID})
			continue
		}
		log.Warn("message cannot be sent, moved back in the queue")
	}
	return 0
}

// dueWindow is how many due messages one tick may look past when the oldest
// cannot be sent.
const dueWindow = 10

// unsendable reports failures that happened before the transport was tried.
// Retrying them immediately would fail the same way.
func unsendable(res delivery.Result) bool {
	switch res.Error {
	case delivery.ReasonNoAddress, delivery.ReasonInvalidAddress, models.ErrContactNotFound.Error():
		return true
	}
	return false
}

// postpone moves a message that cannot be sent to the next send slot so it stops
// holding up the head of the queue.
func (w *SendWorker) postpone(ctx context.Context, s *scheduler.Scheduler, msg *models.Message) error {
	next := s.NextSendSlot(s.Now(), true).UTC()
	return w.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", msg.ID, models.MessagePending).
		Update("scheduled_at", next).Error
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
