package replies_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldreach/models"
	"coldreach/replies"
	"coldreach/testutil"
	"coldreach/tracker"
)

type fakeMailbox struct {
	messages [][]byte
	err      error
	unseen   bool
	limit    int
}

func (f *fakeMailbox) Fetch(_ context.Context, unseenOnly bool, limit int) ([][]byte, error) {
	f.unseen, f.limit = unseenOnly, limit
	return f.messages, f.err
}

func (f *fakeMailbox) HealthCheck(context.Context) error { return f.err }

func inbound(from, inReplyTo, references string) []byte {
	lines := []string{
		"From: " + from,
		"Subject: Re: Step 1",
		"Message-Id: <in-" + strings.NewReplacer("@", ".", "<", "", ">", "").Replace(from) + "@mail.example>",
	}
	if inReplyTo != "" {
		lines = append(lines, "In-Reply-To: "+inReplyTo)
	}
	if references != "" {
		lines = append(lines, "References: "+references)
	}
	lines = append(lines, "Content-Type: text/plain", "", "Thanks, call me tomorrow.")
	return []byte(strings.Join(lines, "\r\n"))
}

func sentWithID(t *testing.T, db *gorm.DB, contactID uint, step int, transportID string, sentAt time.Time) *models.Message {
	t.Helper()
	m := testutil.CreateMessage(t, db, contactID, step, models.MessageSent, nil)
	require.NoError(t, db.Model(m).Updates(map[string]interface{}{
		"transport_message_id": transportID,
		"sent_at":              sentAt.UTC(),
	}).Error)
	return testutil.Reload(t, db, m.ID)
}

func newCorrelator(db *gorm.DB, mb replies.Mailbox) *replies.Correlator {
	return replies.NewCorrelator(db, mb, tracker.New(db))
}

func TestReplyByInReplyToStopsSequence(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sent := sentWithID(t, db, contact.ID, 1, "<abc@acme.example>", now.Add(-time.Hour))
	pending := testutil.CreateMessage(t, db, contact.ID, 2, models.MessagePending, testutil.Ptr(now.Add(72*time.Hour)))

	mb := &fakeMailbox{messages: [][]byte{inbound("someone@else.example", "<abc@acme.example>", "")}}
	c := newCorrelator(db, mb)

	result, err := c.Check(context.Background(), true, 100)
	require.NoError(t, err)
	assert.True(t, mb.unseen)
	assert.Equal(t, 100, mb.limit)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Total)
	assert.Empty(t, result.Errors)

	assert.Equal(t, models.MessageReplied, testutil.Reload(t, db, sent.ID).Status)
	assert.Equal(t, models.MessageCancelled, testutil.Reload(t, db, pending.ID).Status)
	assert.Equal(t, models.ContactReplied, testutil.ReloadContact(t, db, contact.ID).Status)
}

func TestCorrelateByReferences(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sent := sentWithID(t, db, contact.ID, 1, "<first@acme.example>", time.Now().Add(-time.Hour))

	reply, err := replies.Parse(inbound("other@client.example", "<unknown@mail.example>", "<x@y.example> <first@acme.example>"))
	require.NoError(t, err)

	ok, err := newCorrelator(db, &fakeMailbox{}).Correlate(context.Background(), reply)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sent.ID, reply.MatchedMessageID)
	assert.Equal(t, contact.ID, reply.MatchedContactID)
}

func TestCorrelateBySenderPicksLatestSent(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	contact := testutil.CreateContact(t, db, models.ContactOpened, "jan@client.example")
	sentWithID(t, db, contact.ID, 1, "<one@acme.example>", now.Add(-72*time.Hour))
	latest := sentWithID(t, db, contact.ID, 2, "<two@acme.example>", now.Add(-time.Hour))
	testutil.CreateMessage(t, db, contact.ID, 3, models.MessagePending, nil)

	reply, err := replies.Parse(inbound("Jan <JAN@client.example>", "", ""))
	require.NoError(t, err)

	ok, err := newCorrelator(db, &fakeMailbox{}).Correlate(context.Background(), reply)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, latest.ID, reply.MatchedMessageID)
}

func TestCorrelateNoMatch(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactSequenced, "jan@client.example")
	testutil.CreateMessage(t, db, contact.ID, 1, models.MessagePending, nil)

	reply, err := replies.Parse(inbound("jan@client.example", "<nope@acme.example>", ""))
	require.NoError(t, err)

	ok, err := newCorrelator(db, &fakeMailbox{}).Correlate(context.Background(), reply)
	require.NoError(t, err)
	assert.False(t, ok, "a contact with nothing sent has nothing to reply to")

	stranger, err := replies.Parse(inbound("stranger@nowhere.example", "", ""))
	require.NoError(t, err)
	ok, err = newCorrelator(db, &fakeMailbox{}).Correlate(context.Background(), stranger)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollInboxSkipsUnmatchedAndBroken(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sentWithID(t, db, contact.ID, 1, "<abc@acme.example>", time.Now().Add(-time.Hour))

	mb := &fakeMailbox{messages: [][]byte{
		inbound("newsletter@vendor.example", "", ""),
		[]byte("Subject: no sender\r\n\r\nbody"),
		inbound("jan@client.example", "<abc@acme.example>", ""),
	}}

	matched, err := newCorrelator(db, mb).PollInbox(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "jan@client.example", matched[0].FromEmail)
	assert.Equal(t, "Thanks, call me tomorrow.", matched[0].BodyPreview)
}

func TestPollInboxMailboxDown(t *testing.T) {
	db := testutil.NewDB(t)
	mb := &fakeMailbox{err: errors.New("failed to connect to IMAP server: connection refused")}
	c := newCorrelator(db, mb)

	_, err := c.PollInbox(context.Background(), true, 100)
	assert.Error(t, err)
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestProcessRepliesIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sent := sentWithID(t, db, contact.ID, 1, "<abc@acme.example>", time.Now().Add(-time.Hour))

	reply := replies.Reply{FromEmail: "jan@client.example", MatchedMessageID: sent.ID, MatchedContactID: contact.ID}
	c := newCorrelator(db, &fakeMailbox{})

	first := c.ProcessReplies(context.Background(), []replies.Reply{reply})
	assert.Equal(t, 1, first.Processed)

	second := c.ProcessReplies(context.Background(), []replies.Reply{reply})
	assert.Equal(t, 0, second.Processed)
	assert.Empty(t, second.Errors)

	var n int64
	require.NoError(t, db.Model(&models.EngagementEvent{}).Where("type = ?", models.EventReply).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestProcessRepliesReportsFailuresAndContinues(t *testing.T) {
	db := testutil.NewDB(t)
	contact := testutil.CreateContact(t, db, models.ContactContacted, "jan@client.example")
	sent := sentWithID(t, db, contact.ID, 1, "<abc@acme.example>", time.Now().Add(-time.Hour))

	result := newCorrelator(db, &fakeMailbox{}).ProcessReplies(context.Background(), []replies.Reply{
		{FromEmail: "ghost@client.example", MatchedMessageID: 9999},
		{FromEmail: "jan@client.example", MatchedMessageID: sent.ID},
		{FromEmail: "unmatched@client.example"},
	})

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ghost@client.example")
	assert.Equal(t, models.MessageReplied, testutil.Reload(t, db, sent.ID).Status)
}
