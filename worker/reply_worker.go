package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"coldreach/replies"
	"coldreach/utils"
)

// ReplyChecker polls the inbox and processes matched replies.
type ReplyChecker interface {
	Check(ctx context.Context, unseenOnly bool, limit int) (replies.ProcessResult, error)
}

// ReplyWorker runs the reply check on a cron schedule.
type ReplyWorker struct {
	checker ReplyChecker
	spec    string
	limit   int
	cron    *cron.Cron
	log     *logrus.Entry
}

func NewReplyWorker(checker ReplyChecker, spec string, limit int) *ReplyWorker {
	if limit <= 0 {
		limit = 100
	}
	return &ReplyWorker{
		checker: checker,
		spec:    spec,
		limit:   limit,
		cron:    cron.New(),
		log:     utils.Logger("reply_worker"),
	}
}

// Start schedules the check and stops the scheduler when ctx is done.
func (w *ReplyWorker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.spec, func() { w.Run(ctx) }); err != nil {
		return fmt.Errorf("invalid reply check schedule %q: %w", w.spec, err)
	}
	w.cron.Start()
	w.log.WithField("schedule", w.spec).Info("Reply worker started")

	go func() {
		<-ctx.Done()
		<-w.cron.Stop().Done()
		w.log.Info("Reply worker shutting down...")
	}()
	return nil
}

// Run performs one check. Failures are logged and retried on the next run.
func (w *ReplyWorker) Run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	result, err := w.checker.Check(runCtx, true, w.limit)
	if err != nil {
		w.log.WithError(err).Warn("reply check failed")
		return
	}
	w.log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"total":     result.Total,
		"errors":    len(result.Errors),
	}).Info("reply check finished")
}
