package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

var linkRe = regexp.MustCompile(`(?i)href=["'](https?://[^"']+)["']`)

// LinkBuilder produces the tracking URLs embedded in outbound mail.
type LinkBuilder struct {
	baseURL string
	codec   *tokens.Codec
}

func NewLinkBuilder(baseURL string, codec *tokens.Codec) *LinkBuilder {
	return &LinkBuilder{baseURL: strings.TrimRight(baseURL, "/"), codec: codec}
}

// PixelURL returns the open-tracking pixel URL. section is optional.
func (b *LinkBuilder) PixelURL(trackingID, campaignID, section string) string {
	q := url.Values{}
	q.Set("id", trackingID)
	q.Set("type", "open")
	if campaignID != "" {
		q.Set("campaign", campaignID)
	}
	if section != "" {
		q.Set("section", section)
	}
	return b.baseURL + "/track/open?" + q.Encode()
}

// ClickURL wraps destination in a click-tracking redirect.
func (b *LinkBuilder) ClickURL(trackingID, destination string) string {
	q := url.Values{}
	q.Set("id", trackingID)
	q.Set("url", destination)
	return b.baseURL + "/track/click?" + q.Encode()
}

// UnsubscribeURL returns a signed unsubscribe link for email and campaignID.
func (b *LinkBuilder) UnsubscribeURL(email, campaignID string) (string, error) {
	tok, err := b.codec.Encode(tokens.Claims{Email: email, CampaignID: campaignID})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("token", tok)
	q.Set("email", email)
	q.Set("campaign", campaignID)
	return b.baseURL + "/unsubscribe?" + q.Encode(), nil
}

// InjectTracking rewrites absolute http(s) links through the click redirect
// and appends the open pixel before </body>. Links that already point at a
// tracking endpoint are left alone.
func (b *LinkBuilder) InjectTracking(html, trackingID, campaignID string) string {
	html = linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		orig := parts[1]
		if strings.HasPrefix(orig, b.baseURL+"/track/") || strings.HasPrefix(orig, b.baseURL+"/unsubscribe") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, escapeAttr(b.ClickURL(trackingID, unescapeAttr(orig))))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		escapeAttr(b.PixelURL(trackingID, campaignID, "")))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

func escapeAttr(s string) string   { return strings.ReplaceAll(s, "&", "&amp;") }
func unescapeAttr(s string) string { return strings.ReplaceAll(s, "&amp;", "&") }
