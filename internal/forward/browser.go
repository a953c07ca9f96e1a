package forward

import "strings"

// Browser families recognised by BrowserFamily.
const (
	BrowserChrome  = "Chrome"
	BrowserFirefox = "Firefox"
	BrowserSafari  = "Safari"
	BrowserEdge    = "Edge"
	BrowserOpera   = "Opera"
	BrowserOther   = "Other"
)

// BrowserFamily classifies a user agent. Edge and Opera UAs also carry
// "Chrome", and Chrome UAs carry "Safari", so the checks run most specific
// first.
func BrowserFamily(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge/") || strings.Contains(ua, "edga/") || strings.Contains(ua, "edgios/"):
		return BrowserEdge
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return BrowserOpera
	case strings.Contains(ua, "chrome") || strings.Contains(ua, "crios"):
		return BrowserChrome
	case strings.Contains(ua, "firefox") || strings.Contains(ua, "fxios"):
		return BrowserFirefox
	case strings.Contains(ua, "safari"):
		return BrowserSafari
	default:
		return BrowserOther
	}
}
