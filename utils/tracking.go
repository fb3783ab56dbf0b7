package utils

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

const (
	OpenPathPrefix  = "/t/o/"
	ClickPathPrefix = "/t/c/"
)

var (
	closingBodyRe = regexp.MustCompile(`(?i)</body>`)
	anchorHrefRe  = regexp.MustCompile(`(?i)<a\s+([^>]*?)href=["']([^"']+)["']([^>]*)>`)
)

// PixelURL is the open-tracking image address for a token.
func PixelURL(baseURL, token string) string {
	return fmt.Sprintf("%s%s%s.gif", strings.TrimRight(baseURL, "/"), OpenPathPrefix, token)
}

// ClickURL wraps originalURL in the click redirect for a token.
func ClickURL(baseURL, token, originalURL string) string {
	return fmt.Sprintf("%s%s%s?url=%s", strings.TrimRight(baseURL, "/"), ClickPathPrefix, token, url.QueryEscape(originalURL))
}

func pixelTag(baseURL, token string) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;" alt="" />`, PixelURL(baseURL, token))
}

// InjectTrackingPixel places the open pixel right before the last closing body
// tag, or appends it when there is none. HTML that already carries the pixel
// for this token is returned unchanged.
func InjectTrackingPixel(htmlBody, baseURL, token string) string {
	if strings.Contains(htmlBody, PixelURL(baseURL, token)) {
		return htmlBody
	}
	tag := pixelTag(baseURL, token)

	matches := closingBodyRe.FindAllStringIndex(htmlBody, -1)
	if len(matches) == 0 {
		return htmlBody + tag
	}
	idx := matches[len(matches)-1][0]
	return htmlBody[:idx] + tag + htmlBody[idx:]
}

// RewriteLinks points every anchor at the click redirect. mailto: and tel:
// links and links that already go through a redirect are kept as they are.
func RewriteLinks(htmlBody, baseURL, token string) string {
	return anchorHrefRe.ReplaceAllStringFunc(htmlBody, func(anchor string) string {
		groups := anchorHrefRe.FindStringSubmatch(anchor)
		if len(groups) != 4 {
			return anchor
		}
		before, href, after := groups[1], groups[2], groups[3]
		if !shouldTrack(href) {
			return anchor
		}
		return fmt.Sprintf(`<a %shref="%s"%s>`, before, ClickURL(baseURL, token, href), after)
	})
}

func shouldTrack(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return false
	}
	return !strings.Contains(href, ClickPathPrefix)
}

// PrepareHTML rewrites links and adds the open pixel.
func PrepareHTML(htmlBody, baseURL, token string) string {
	return InjectTrackingPixel(RewriteLinks(htmlBody, baseURL, token), baseURL, token)
}

// TextToHTML renders a plain-text body as minimal HTML so opens can be tracked.
func TextToHTML(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
	return "<html><body>" + escaped + "</body></html>"
}
