package delivery

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/scheduler"
	"coldreach/testutil"
	"coldreach/utils"
)

type fakeTransport struct {
	mu     sync.Mutex
	result utils.SendResult
	sent   []utils.OutboundEmail
}

func (f *fakeTransport) Send(_ context.Context, email utils.OutboundEmail) utils.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, email)
	return f.result
}

type recordingNotifier struct{ events []models.EngagementEvent }

func (r *recordingNotifier) Publish(e models.EngagementEvent) { r.events = append(r.events, e) }

func newTestSender(db *gorm.DB, transport Transport) (*Sender, *[]time.Duration) {
	s := NewSender(db, transport, Config{TrackingBaseURL: "https://t.acme.example"})
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func okTransport() *fakeTransport {
	return &fakeTransport{result: utils.SendResult{Success: true, MessageID: "<abc@acme.example>"}}
}

func TestSendDueMessageEndToEnd(t *testing.T) {
	db := testutil.NewDB(t)
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	now := time.Date(2024, time.June, 4, 11, 0, 0, 0, loc)

	sched := scheduler.New(db, scheduler.DefaultConfig(),
		scheduler.WithClock(func() time.Time { return now }),
		scheduler.WithRand(rand.New(rand.NewSource(1))))
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, testutil.Ptr(now.Add(-5*time.Minute)))

	due, err := sched.DueMessages(context.Background(), 10, true)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].ID)

	transport := okTransport()
	sender, _ := newTestSender(db, transport)
	sender.now = func() time.Time { return now }

	res := sender.Send(context.Background(), &due[0], contact)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, models.MessageSent, res.Status)

	stored := testutil.Reload(t, db, msg.ID)
	assert.Equal(t, models.MessageSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	assert.True(t, stored.SentAt.Equal(now))
	assert.Equal(t, "<abc@acme.example>", stored.TransportMessageID)

	c := testutil.ReloadContact(t, db, contact.ID)
	assert.Equal(t, models.ContactContacted, c.Status)
	require.NotNil(t, c.LastContactedAt)

	quota, err := sched.CheckDailyQuota(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, quota.SentToday)
}

func TestSendPreparesTrackedContent(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)

	transport := okTransport()
	sender, _ := newTestSender(db, transport)
	require.True(t, sender.Send(context.Background(), msg, contact).Success)

	require.Len(t, transport.sent, 1)
	email := transport.sent[0]
	assert.Equal(t, "jan@client.example", email.To)
	assert.Equal(t, "Jan de Vries", email.ToName)
	assert.Equal(t, msg.TrackingToken, email.Headers[utils.TrackingHeader])
	assert.Contains(t, email.HTML, "https://t.acme.example/t/o/"+msg.TrackingToken+".gif")
	assert.Contains(t, email.HTML, "https://t.acme.example/t/c/"+msg.TrackingToken+"?url=")
	assert.Equal(t, "Hello there", email.Text)
}

func TestPrepareFallsBackToTextBody(t *testing.T) {
	sender, _ := newTestSender(nil, okTransport())
	msg := &models.Message{TrackingToken: "tok", Subject: "s", BodyText: "Line one\nLine two"}

	email := sender.Prepare(msg, &models.Contact{Email: "jan@client.example"})

	assert.True(t, strings.HasPrefix(email.HTML, "<html><body>Line one<br>"))
	assert.Contains(t, email.HTML, "/t/o/tok.gif")
}

func TestSendWithoutAddressLeavesMessagePending(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	transport := okTransport()
	sender, _ := newTestSender(db, transport)

	res := sender.Send(context.Background(), msg, contact)

	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoAddress, res.Error)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, msg.ID).Status)
	assert.Empty(t, transport.sent)
}

func TestSendRejectsMalformedAddress(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan at client")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	sender, _ := newTestSender(db, okTransport())

	res := sender.Send(context.Background(), msg, contact)
	assert.Equal(t, ReasonInvalidAddress, res.Error)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, msg.ID).Status)
}

func TestSendRequiresPending(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessageDraft, nil)
	transport := okTransport()
	sender, _ := newTestSender(db, transport)

	res := sender.Send(context.Background(), msg, contact)
	assert.Equal(t, ReasonWrongStatus, res.Error)
	assert.Equal(t, models.MessageDraft, res.Status)
	assert.Empty(t, transport.sent)
}

func TestSendClaimsMessageOnce(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	stale := *msg
	transport := okTransport()
	sender, _ := newTestSender(db, transport)

	first := sender.Send(context.Background(), msg, contact)
	second := sender.Send(context.Background(), &stale, contact)

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Equal(t, ReasonAlreadyClaimed, second.Error)
	assert.Len(t, transport.sent, 1)
}

func TestSendRecipientRefusedBounces(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	transport := &fakeTransport{result: utils.SendResult{
		ErrorKind: utils.ErrorRecipientRefused,
		Error:     "Recipient refused: 550 5.1.1 user unknown",
	}}
	sender, _ := newTestSender(db, transport)
	notifier := &recordingNotifier{}
	sender.WithNotifier(notifier)

	res := sender.Send(context.Background(), msg, contact)

	assert.False(t, res.Success)
	assert.Equal(t, models.MessageBounced, res.Status)
	stored := testutil.Reload(t, db, msg.ID)
	assert.Equal(t, models.MessageBounced, stored.Status)
	assert.NotNil(t, stored.BouncedAt)
	assert.Equal(t, models.ContactBounced, testutil.ReloadContact(t, db, contact.ID).Status)

	var events []models.EngagementEvent
	require.NoError(t, db.Where("message_id = ?", msg.ID).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBounce, events[0].Type)
	assert.Equal(t, "Recipient refused: 550 5.1.1 user unknown", events[0].Extra["reason"])
	assert.Len(t, notifier.events, 1)
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, isRefusal(utils.SendResult{ErrorKind: utils.ErrorRecipientRefused, Error: "Recipient refused: 550"}))
	assert.True(t, isRefusal(utils.SendResult{Error: "554 message rejected"}))
	assert.True(t, isRefusal(utils.SendResult{Error: "recipient refused"}))
	assert.False(t, isRefusal(utils.SendResult{Error: "i/o timeout"}))
	assert.False(t, isRefusal(utils.SendResult{ErrorKind: utils.ErrorSend, Error: "Send failed: 550 sender rejected"}))
	assert.False(t, isRefusal(utils.SendResult{ErrorKind: utils.ErrorConnection, Error: "Connection failed: connection refused"}))
	assert.False(t, isRefusal(utils.SendResult{ErrorKind: utils.ErrorAuth, Error: "Authentication failed: 535 credentials rejected"}))
}

func TestSendOutcomeByErrorKind(t *testing.T) {
	tests := []struct {
		name        string
		result      utils.SendResult
		wantMessage models.MessageStatus
		wantContact models.ContactStatus
	}{
		{
			name:        "auth failure is retried",
			result:      utils.SendResult{ErrorKind: utils.ErrorAuth, Error: "Authentication failed: 535 5.7.8 credentials rejected"},
			wantMessage: models.MessagePending,
			wantContact: models.ContactSequenced,
		},
		{
			name:        "sender rejected is retried",
			result:      utils.SendResult{ErrorKind: utils.ErrorSend, Error: "Send failed: 550 sender rejected"},
			wantMessage: models.MessagePending,
			wantContact: models.ContactSequenced,
		},
		{
			name:        "connection refused is retried",
			result:      utils.SendResult{ErrorKind: utils.ErrorConnection, Error: "Connection failed: connection refused"},
			wantMessage: models.MessagePending,
			wantContact: models.ContactSequenced,
		},
		{
			name:        "recipient refused bounces",
			result:      utils.SendResult{ErrorKind: utils.ErrorRecipientRefused, Error: "Recipient refused: 550 5.1.1 user unknown"},
			wantMessage: models.MessageBounced,
			wantContact: models.ContactBounced,
		},
		{
			name:        "unclassified refusal bounces",
			result:      utils.SendResult{Error: "550 mailbox unavailable, recipient rejected"},
			wantMessage: models.MessageBounced,
			wantContact: models.ContactBounced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewDB(t)
			contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
			msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
			sender, _ := newTestSender(db, &fakeTransport{result: tt.result})

			res := sender.Send(context.Background(), msg, contact)

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantMessage, res.Status)
			assert.Equal(t, tt.wantMessage, testutil.Reload(t, db, msg.ID).Status)
			assert.Equal(t, tt.wantContact, testutil.ReloadContact(t, db, contact.ID).Status)
		})
	}
}

// transportFunc adapts a function to the Transport interface.
type transportFunc func(ctx context.Context, email utils.OutboundEmail) utils.SendResult

func (f transportFunc) Send(ctx context.Context, email utils.OutboundEmail) utils.SendResult {
	return f(ctx, email)
}

func TestSendCancelledMidSendReturnsToQueue(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender, _ := newTestSender(db, transportFunc(func(context.Context, utils.OutboundEmail) utils.SendResult {
		cancel()
		return utils.SendResult{ErrorKind: utils.ErrorConnection, Error: "Connection failed: use of closed network connection"}
	}))

	res := sender.Send(ctx, msg, contact)

	assert.False(t, res.Success)
	assert.Equal(t, models.MessagePending, res.Status)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, msg.ID).Status)
}

func TestSendCancelledAfterDeliveryRecordsSent(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender, _ := newTestSender(db, transportFunc(func(context.Context, utils.OutboundEmail) utils.SendResult {
		cancel()
		return utils.SendResult{Success: true, MessageID: "<late@acme.example>"}
	}))

	res := sender.Send(ctx, msg, contact)

	require.True(t, res.Success, res.Error)
	stored := testutil.Reload(t, db, msg.ID)
	assert.Equal(t, models.MessageSent, stored.Status)
	assert.Equal(t, "<late@acme.example>", stored.TransportMessageID)
	assert.Equal(t, models.ContactContacted, testutil.ReloadContact(t, db, contact.ID).Status)
}

func TestSendReportsFailedSentBookkeeping(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)

	// Another writer moves the message on while the transport is busy.
	sender, _ := newTestSender(db, transportFunc(func(context.Context, utils.OutboundEmail) utils.SendResult {
		require.NoError(t, db.Model(&models.Message{}).Where("id = ?", msg.ID).
			Update("status", models.MessageCancelled).Error)
		return utils.SendResult{Success: true, MessageID: "<abc@acme.example>"}
	}))

	res := sender.Send(context.Background(), msg, contact)

	assert.False(t, res.Success)
	assert.Equal(t, "<abc@acme.example>", res.TransportMessageID)
	assert.Contains(t, res.Error, "left SENDING")
	assert.Equal(t, models.MessageCancelled, testutil.Reload(t, db, msg.ID).Status)
	assert.Equal(t, models.ContactSequenced, testutil.ReloadContact(t, db, contact.ID).Status)
}

func TestSendTransientFailureReturnsToQueue(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	transport := &fakeTransport{result: utils.SendResult{
		ErrorKind: utils.ErrorConnection,
		Error:     "Connection failed: i/o timeout",
	}}
	sender, _ := newTestSender(db, transport)

	res := sender.Send(context.Background(), msg, contact)

	assert.False(t, res.Success)
	assert.Equal(t, utils.ErrorConnection, res.ErrorKind)
	assert.Equal(t, models.MessagePending, res.Status)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, msg.ID).Status)
	assert.Equal(t, models.ContactSequenced, testutil.ReloadContact(t, db, contact.ID).Status)
}

func TestSendKeepsLaterContactStatus(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactOpened, "jan@client.example")
	msg := testutil.CreateMessage(t, db, contact.ID, 2, models.MessagePending, nil)
	sender, _ := newTestSender(db, okTransport())

	require.True(t, sender.Send(context.Background(), msg, contact).Success)

	c := testutil.ReloadContact(t, db, contact.ID)
	assert.Equal(t, models.ContactOpened, c.Status)
	assert.Nil(t, c.LastContactedAt)
}

func TestSendBatch(t *testing.T) {
	db := testutil.NewDB(t)
	good := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	noAddr := testutil.CreateContact(t, db, models.ContactSequenced, "")

	m1 := testutil.CreateMessage(t, db, good.ID, 1, models.MessagePending, nil)
	m2 := testutil.CreateMessage(t, db, noAddr.ID, 1, models.MessagePending, nil)
	m3 := testutil.CreateMessage(t, db, good.ID, 2, models.MessagePending, nil)

	transport := okTransport()
	sender, slept := newTestSender(db, transport)

	batch := sender.SendBatch(context.Background(), []models.Message{*m1, *m2, *m3}, 30*time.Second)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Sent)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, ReasonNoAddress, batch.Results[1].Error)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, *slept, "no wait after the last send")
	assert.Len(t, transport.sent, 2)
}

func TestSendBatchByIDsReportsUnknown(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	m := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	sender, slept := newTestSender(db, okTransport())

	batch := sender.SendBatchByIDs(context.Background(), []uint{m.ID, 4242}, time.Second)

	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 1, batch.Sent)
	assert.Equal(t, 1, batch.Failed)
	assert.Empty(t, *slept)
}

func TestSendBatchStopsWhenCancelled(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	m1 := testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)
	m2 := testutil.CreateMessage(t, db, contact.ID, 2, models.MessagePending, nil)

	transport := okTransport()
	sender := NewSender(db, transport, Config{TrackingBaseURL: "https://t.acme.example"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := sender.SendBatch(ctx, []models.Message{*m1, *m2}, time.Hour)
	assert.Len(t, batch.Results, 1)
}

func TestSendByIDNotFound(t *testing.T) {
	db := testutil.NewDB(t)
	sender, _ := newTestSender(db, okTransport())

	_, err := sender.SendByID(context.Background(), 99)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestRecordBounce(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sent := testutil.CreateMessage(t, db, contact.ID, 1, models.MessageSent, nil)
	pending := testutil.CreateMessage(t, db, contact.ID, 2, models.MessagePending, nil)
	sender, _ := newTestSender(db, okTransport())

	ok, err := sender.RecordBounce(context.Background(), sent.ID, "mailbox full")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.MessageBounced, testutil.Reload(t, db, sent.ID).Status)
	assert.Equal(t, models.ContactBounced, testutil.ReloadContact(t, db, contact.ID).Status)

	ok, err = sender.RecordBounce(context.Background(), pending.ID, "mailbox full")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.MessagePending, testutil.Reload(t, db, pending.ID).Status)
}
