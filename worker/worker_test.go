package worker

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldreach/delivery"
	"coldreach/models"
	"coldreach/replies"
	"coldreach/scheduler"
	"coldreach/testutil"
	"coldreach/utils"
)

type okTransport struct{ calls int }

func (t *okTransport) Send(context.Context, utils.OutboundEmail) utils.SendResult {
	t.calls++
	return utils.SendResult{Success: true, MessageID: "<id@acme.example>"}
}

func workerAt(t *testing.T, db *gorm.DB, now time.Time) (*SendWorker, *okTransport) {
	t.Helper()
	transport := &okTransport{}
	w := NewSendWorker(db, delivery.NewSender(db, transport, delivery.Config{TrackingBaseURL: "https://t.acme.example"}), time.Minute)
	w.newScheduler = func() *scheduler.Scheduler {
		return scheduler.New(db, scheduler.DefaultConfig(),
			scheduler.WithClock(func() time.Time { return now }),
			scheduler.WithRand(rand.New(rand.NewSource(3))))
	}
	return w, transport
}

func amsterdam(t *testing.T, day, hour int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	return time.Date(2024, time.June, day, hour, 0, 0, 0, loc)
}

func TestTickSendsOneDueMessage(t *testing.T) {
	db := testutil.NewDB(t)
	now := amsterdam(t, 4, 10)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	first := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-time.Hour)))
	second := testutil.CreateMessage(t, db, contact.ID, 2, models.MessagePending, testutil.Ptr(now.Add(-time.Minute)))

	w, transport := workerAt(t, db, now)
	wait := w.Tick(context.Background())

	assert.Equal(t, 1, transport.calls)
	assert.GreaterOrEqual(t, wait, 120*time.Second)
	assert.LessOrEqual(t, wait, 300*time.Second)
	assert.Equal(t, models.MessageSent, testutil.Reload(t, db, first.ID).Status)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, second.ID).Status)
}

func TestTickRespectsPause(t *testing.T) {
	db := testutil.NewDB(t)
	now := amsterdam(t, 4, 10)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-time.Hour)))

	w, transport := workerAt(t, db, now)
	w.Pause()
	assert.True(t, w.Paused())
	assert.Zero(t, w.Tick(context.Background()))
	assert.Zero(t, transport.calls)

	w.Resume()
	assert.NotZero(t, w.Tick(context.Background()))
	assert.Equal(t, 1, transport.calls)
}

func TestTickSkipsMessageWithoutAddress(t *testing.T) {
	db := testutil.NewDB(t)
	now := amsterdam(t, 4, 10)
	missing := testutil.CreateContact(t, db, models.ContactSequenced, "")
	malformed := testutil.CreateContact(t, db, models.ContactSequenced, "not-an-address")
	valid := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	stuck := testutil.CreateMessage(t, db, missing.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-3*time.Hour)))
	bad := testutil.CreateMessage(t, db, malformed.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-2*time.Hour)))
	good := testutil.CreateMessage(t, db, valid.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-time.Hour)))

	w, transport := workerAt(t, db, now)
	assert.NotZero(t, w.Tick(context.Background()))

	assert.Equal(t, 1, transport.calls)
	assert.Equal(t, models.MessageSent, testutil.Reload(t, db, good.ID).Status)
	for _, id := range []uint{stuck.ID, bad.ID} {
		m := testutil.Reload(t, db, id)
		assert.Equal(t, models.MessagePending, m.Status)
		require.NotNil(t, m.ScheduledAt)
		assert.True(t, m.ScheduledAt.After(now), "message %d should move past now", id)
	}

	// Nothing else is due, so the next tick sends nothing.
	assert.Zero(t, w.Tick(context.Background()))
	assert.Equal(t, 1, transport.calls)
}

func TestTickOutsideBusinessHours(t *testing.T) {
	db := testutil.NewDB(t)
	saturday := amsterdam(t, 8, 11)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, testutil.Ptr(saturday.Add(-time.Hour)))

	w, transport := workerAt(t, db, saturday)
	assert.Zero(t, w.Tick(context.Background()))
	assert.Zero(t, transport.calls)
}

func TestTickWithEmptyQueue(t *testing.T) {
	db := testutil.NewDB(t)
	w, transport := workerAt(t, db, amsterdam(t, 4, 10))
	assert.Zero(t, w.Tick(context.Background()))
	assert.Zero(t, transport.calls)
}

type fakeChecker struct {
	calls  chan [2]interface{}
	result replies.ProcessResult
	err    error
}

func (f *fakeChecker) Check(_ context.Context, unseenOnly bool, limit int) (replies.ProcessResult, error) {
	f.calls <- [2]interface{}{unseenOnly, limit}
	return f.result, f.err
}

func TestReplyWorkerRun(t *testing.T) {
	checker := &fakeChecker{calls: make(chan [2]interface{}, 2)}
	w := NewReplyWorker(checker, "*/5 * * * *", 0)

	w.Run(context.Background())
	got := <-checker.calls
	assert.Equal(t, true, got[0])
	assert.Equal(t, 100, got[1])

	checker.err = errors.New("imap down")
	assert.NotPanics(t, func() { w.Run(context.Background()) })
}

func TestReplyWorkerRejectsBadSchedule(t *testing.T) {
	w := NewReplyWorker(&fakeChecker{calls: make(chan [2]interface{}, 1)}, "not a schedule", 50)
	assert.Error(t, w.Start(context.Background()))
}

func TestReplyWorkerStopsWithContext(t *testing.T) {
	w := NewReplyWorker(&fakeChecker{calls: make(chan [2]interface{}, 1)}, "@every 1h", 50)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.Len(t, w.cron.Entries(), 1)
	cancel()
}
