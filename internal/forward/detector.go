// Package forward scores whether an email open was performed by someone other
// than the original recipient, using the open history of the same tracking id.
//
// Scoring is a fold over an ordered rule table. Each matching rule adds its
// weight and indicator; the total is clamped to [0,100] and compared against
// the threshold. With the default weights no single signal crosses the
// threshold alone; raising ServiceWeight to the threshold makes a known
// forwarding service decisive on its own.
package forward

import (
	"strings"
	"time"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// Indicator names recorded on the event for auditability.
const (
	IndicatorDifferentIP      = "different_ip_address"
	IndicatorDifferentBrowser = "different_browser"
	IndicatorRapidSuccession  = "rapid_succession"
	IndicatorForwardService   = "forwarding_service_detected"
)

// Input describes the open currently being classified.
type Input struct {
	UserAgent string
	IPHash    string
	At        time.Time
}

// Rule is one scoring signal.
type Rule struct {
	Indicator string
	Weight    int
	Match     func(in Input, prior []domain.EngagementEvent) bool
}

// Config tunes the default rule table.
type Config struct {
	Threshold         int
	RapidWindow       time.Duration
	DifferentIPWeight int
	BrowserWeight     int
	RapidWeight       int
	ServiceWeight     int
	ServiceSignatures []string
	// Disabled lists indicators whose rules are left out of the table. A zero
	// weight means "use the default", so this is how a rule is switched off.
	Disabled []string
}

// DefaultServiceSignatures are user-agent fragments of mail forwarding and
// relay services.
var DefaultServiceSignatures = []string{
	"forwardemail",
	"improvmx",
	"simplelogin",
	"anonaddy",
	"addy.io",
	"duckduckgo-email",
	"33mail",
	"firefox relay",
	"mailforward",
}

// DefaultConfig returns the production weights and threshold.
func DefaultConfig() Config {
	return Config{
		Threshold:         50,
		RapidWindow:       5000 * time.Millisecond,
		DifferentIPWeight: 30,
		BrowserWeight:     25,
		RapidWeight:       20,
		ServiceWeight:     40,
		ServiceSignatures: DefaultServiceSignatures,
	}
}

// Detector evaluates the rule table. It holds no mutable state and is safe
// for concurrent use.
type Detector struct {
	threshold int
	rules     []Rule
}

// NewDetector builds the default rule table from cfg. Zero fields take the
// defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RapidWindow == 0 {
		cfg.RapidWindow = def.RapidWindow
	}
	if cfg.DifferentIPWeight == 0 {
		cfg.DifferentIPWeight = def.DifferentIPWeight
	}
	if cfg.BrowserWeight == 0 {
		cfg.BrowserWeight = def.BrowserWeight
	}
	if cfg.RapidWeight == 0 {
		cfg.RapidWeight = def.RapidWeight
	}
	if cfg.ServiceWeight == 0 {
		cfg.ServiceWeight = def.ServiceWeight
	}
	if len(cfg.ServiceSignatures) == 0 {
		cfg.ServiceSignatures = def.ServiceSignatures
	}

	rules := []Rule{
		{Indicator: IndicatorDifferentIP, Weight: cfg.DifferentIPWeight, Match: differentIP},
		{Indicator: IndicatorDifferentBrowser, Weight: cfg.BrowserWeight, Match: differentBrowser},
		{Indicator: IndicatorRapidSuccession, Weight: cfg.RapidWeight, Match: rapidSuccession(cfg.RapidWindow)},
		{Indicator: IndicatorForwardService, Weight: cfg.ServiceWeight, Match: forwardingService(cfg.ServiceSignatures)},
	}
	enabled := rules[:0]
	for _, r := range rules {
		if !contains(cfg.Disabled, r.Indicator) {
			enabled = append(enabled, r)
		}
	}
	return NewDetectorWithRules(cfg.Threshold, enabled)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// NewDetectorWithRules builds a detector over an explicit rule table.
func NewDetectorWithRules(threshold int, rules []Rule) *Detector {
	return &Detector{threshold: threshold, rules: rules}
}

// Detect scores the open. Only prior events of type opened are considered;
// callers may pass the full history of the tracking id.
func (d *Detector) Detect(in Input, history []domain.EngagementEvent) domain.ForwardResult {
	prior := make([]domain.EngagementEvent, 0, len(history))
	for _, e := range history {
		if e.EventType == domain.EventOpened {
			prior = append(prior, e)
		}
	}

	score := 0
	indicators := []string{}
	for _, r := range d.rules {
		if r.Match(in, prior) {
			score += r.Weight
			indicators = append(indicators, r.Indicator)
		}
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return domain.ForwardResult{
		IsForwarded: score >= d.threshold,
		Confidence:  score,
		Indicators:  indicators,
	}
}

func differentIP(in Input, prior []domain.EngagementEvent) bool {
	if in.IPHash == "" {
		return false
	}
	for _, e := range prior {
		if e.Data.IPHash != "" && e.Data.IPHash != in.IPHash {
			return true
		}
	}
	return false
}

func differentBrowser(in Input, prior []domain.EngagementEvent) bool {
	if in.UserAgent == "" {
		return false
	}
	current := BrowserFamily(in.UserAgent)
	for _, e := range prior {
		if e.Data.UserAgent != "" && BrowserFamily(e.Data.UserAgent) != current {
			return true
		}
	}
	return false
}

func rapidSuccession(window time.Duration) func(Input, []domain.EngagementEvent) bool {
	return func(in Input, prior []domain.EngagementEvent) bool {
		if len(prior) == 0 || in.At.IsZero() {
			return false
		}
		latest := prior[0].CreatedAt
		for _, e := range prior[1:] {
			if e.CreatedAt.After(latest) {
				latest = e.CreatedAt
			}
		}
		gap := in.At.Sub(latest)
		if gap < 0 {
			gap = -gap
		}
		return gap < window
	}
}

func forwardingService(signatures []string) func(Input, []domain.EngagementEvent) bool {
	lowered := make([]string, 0, len(signatures))
	for _, s := range signatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			lowered = append(lowered, s)
		}
	}
	return func(in Input, _ []domain.EngagementEvent) bool {
		ua := strings.ToLower(in.UserAgent)
		if ua == "" {
			return false
		}
		for _, sig := range lowered {
			if strings.Contains(ua, sig) {
				return true
			}
		}
		return false
	}
}
