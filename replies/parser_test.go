package replies

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMail(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParsePlainReply(t *testing.T) {
	raw := rawMail(
		"From: Jan de Vries <Jan@Client.example>",
		"To: sales@acme.example",
		"Subject: Re: Quick question",
		"Date: Tue, 04 Jun 2024 10:15:00 +0200",
		"Message-Id: <reply-1@client.example>",
		"In-Reply-To: <abc@acme.example>",
		"References: <first@acme.example> <abc@acme.example>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hi,",
		"",
		"Sounds   interesting, let's talk.",
	)

	reply, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "<reply-1@client.example>", reply.MessageID)
	assert.Equal(t, "jan@client.example", reply.FromEmail)
	assert.Equal(t, "Jan de Vries", reply.FromName)
	assert.Equal(t, "Re: Quick question", reply.Subject)
	assert.Equal(t, "<abc@acme.example>", reply.InReplyTo)
	assert.Equal(t, []string{"<first@acme.example>", "<abc@acme.example>"}, reply.References)
	require.NotNil(t, reply.Date)
	assert.Equal(t, 8, reply.Date.UTC().Hour())
	assert.Equal(t, "Hi, Sounds interesting, let's talk.", reply.BodyPreview)
}

func TestParseMultipartUsesTextPart(t *testing.T) {
	raw := rawMail(
		"From: piet@other.example",
		"Subject: =?utf-8?q?Re:_Caf=C3=A9?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--b1",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Graag, caf=E9 om 10 uur?",
		"--b1--",
		"",
	)

	reply, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "piet@other.example", reply.FromEmail)
	assert.Equal(t, "Re: Café", reply.Subject)
	assert.Equal(t, "Graag, café om 10 uur?", reply.BodyPreview)
	assert.Empty(t, reply.InReplyTo)
	assert.Nil(t, reply.Date)
}

func TestParseWithoutSender(t *testing.T) {
	_, err := Parse(rawMail("Subject: hello", "", "body"))
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", 250)
	p := preview(long, 200)
	assert.True(t, strings.HasSuffix(p, "..."))
	assert.Equal(t, 203, len([]rune(p)))

	assert.Equal(t, "short text", preview("  short\n\ttext ", 200))
}
