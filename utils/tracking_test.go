package utils

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "https://track.example.com"

func TestPixelAndClickURLs(t *testing.T) {
	assert.Equal(t, "https://track.example.com/t/o/abc.gif", PixelURL(base+"/", "abc"))

	click := ClickURL(base, "abc", "https://acme.example/a b?x=1&y=2")
	u, err := url.Parse(click)
	require.NoError(t, err)
	assert.Equal(t, "/t/c/abc", u.Path)
	assert.Equal(t, "https://acme.example/a b?x=1&y=2", u.Query().Get("url"))
}

func TestInjectTrackingPixelBeforeBody(t *testing.T) {
	out := InjectTrackingPixel("<html><BODY><p>Hi</p></Body></html>", base, "tok")

	assert.True(t, strings.HasSuffix(out, `<img src="https://track.example.com/t/o/tok.gif" width="1" height="1" style="display:none;" alt="" /></Body></html>`))
}

func TestInjectTrackingPixelAppendsWithoutBody(t *testing.T) {
	out := InjectTrackingPixel("<p>Hi</p>", base, "tok")

	assert.True(t, strings.HasPrefix(out, "<p>Hi</p><img "))
	assert.Equal(t, 1, strings.Count(out, "/t/o/tok.gif"))
}

func TestRewriteLinks(t *testing.T) {
	in := `<p><a href="https://acme.example/pricing">p</a> ` +
		`<a class="btn" href='https://acme.example/demo?x=1' target="_blank">d</a> ` +
		`<a href="mailto:sales@acme.example">m</a> ` +
		`<A HREF="TEL:+31201234567">t</A></p>`

	out := RewriteLinks(in, base, "tok")

	assert.Contains(t, out, `<a href="https://track.example.com/t/c/tok?url=https%3A%2F%2Facme.example%2Fpricing">`)
	assert.Contains(t, out, `<a class="btn" href="https://track.example.com/t/c/tok?url=https%3A%2F%2Facme.example%2Fdemo%3Fx%3D1" target="_blank">`)
	assert.Contains(t, out, `<a href="mailto:sales@acme.example">`)
	assert.Contains(t, out, `<A HREF="TEL:+31201234567">`)
}

func TestPrepareHTMLIsIdempotent(t *testing.T) {
	in := `<html><body><a href="https://acme.example">x</a></body></html>`

	once := PrepareHTML(in, base, "tok")
	twice := PrepareHTML(once, base, "tok")

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, "/t/o/tok.gif"))
	assert.Equal(t, 1, strings.Count(twice, "/t/c/tok"))
}

func TestTextToHTML(t *testing.T) {
	out := TextToHTML("Hi <Jan>,\nsee you")

	assert.Equal(t, "<html><body>Hi &lt;Jan&gt;,<br>\nsee you</body></html>", out)
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(5, 0))
	assert.Equal(t, 33.33, Rate(1, 3))
	assert.Equal(t, 66.67, Rate(2, 3))
	assert.Equal(t, 100.0, Rate(4, 4))
}
