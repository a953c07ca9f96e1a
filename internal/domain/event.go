package domain

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventType enumerates the kinds of engagement facts recorded per send.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventReopened     EventType = "reopened"
	EventForwarded    EventType = "forwarded"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// AllEventTypes lists every valid event type in lifecycle order.
var AllEventTypes = []EventType{
	EventSent, EventDelivered, EventOpened, EventReopened, EventForwarded,
	EventClicked, EventBounced, EventComplained, EventUnsubscribed,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, v := range AllEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// IsOpen reports whether the event counts toward opened_count.
func (t EventType) IsOpen() bool { return t == EventOpened || t == EventForwarded }

// ParseEventType converts a raw string (case-insensitive) into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// OpenKind distinguishes a first open from a client-reported reopen.
type OpenKind string

const (
	OpenFirst  OpenKind = "open"
	OpenReopen OpenKind = "reopen"
)

// ForwardResult is the outcome of forward detection for one open.
type ForwardResult struct {
	IsForwarded bool     `json:"is_forwarded"`
	Confidence  int      `json:"confidence"`
	Indicators  []string `json:"indicators"`
}

// EventData is the per-event metadata. Known fields are typed; anything else
// lands in Extra so older or foreign payloads survive a round trip.
type EventData struct {
	UserAgent   string         `json:"user_agent,omitempty"`
	IPHash      string         `json:"ip_hash,omitempty"`
	URL         string         `json:"url,omitempty"`
	Section     string         `json:"section,omitempty"`
	Device      string         `json:"device,omitempty"`
	OpenKind    OpenKind       `json:"open_kind,omitempty"`
	Forward     *ForwardResult `json:"forward_detection,omitempty"`
	BounceClass string         `json:"bounce_class,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Source      string         `json:"source,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

var knownEventDataKeys = map[string]bool{
	"user_agent": true, "ip_hash": true, "url": true, "section": true, "device": true,
	"open_kind": true, "forward_detection": true, "bounce_class": true,
	"reason": true, "source": true, "extra": true,
}

// UnmarshalJSON decodes the typed fields and folds any unrecognised top-level
// keys into Extra.
func (d *EventData) UnmarshalJSON(b []byte) error {
	type plain EventData
	var out plain
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownEventDataKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("event data key %q: %w", k, err)
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = val
	}
	*d = EventData(out)
	return nil
}

// Value implements driver.Valuer so EventData can be written to a JSONB column.
func (d EventData) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner for JSONB columns.
func (d *EventData) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = EventData{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("event data: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*d = EventData{}
		return nil
	}
	var out EventData
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal event data: %w", err)
	}
	*d = out
	return nil
}

// EngagementEvent is one append-only engagement fact tied to a tracking id.
type EngagementEvent struct {
	ID             string    `json:"id" db:"id"`
	TrackingID     string    `json:"tracking_id" db:"tracking_id"`
	CampaignID     string    `json:"campaign_id" db:"campaign_id"`
	RecipientEmail string    `json:"recipient_email" db:"recipient_email"`
	ContactID      string    `json:"contact_id,omitempty" db:"contact_id"`
	EventType      EventType `json:"event_type" db:"event_type"`
	Data           EventData `json:"event_data" db:"event_data"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// UniqueKey identifies the recipient an event belongs to when counting
// distinct engagements: the tracking id, else the recipient email, else the
// event itself.
func (e *EngagementEvent) UniqueKey() string {
	if e.TrackingID != "" {
		return "t:" + e.TrackingID
	}
	if e.RecipientEmail != "" {
		return "e:" + NormalizeEmail(e.RecipientEmail)
	}
	return "id:" + e.ID
}

// NormalizeEmail lower-cases and trims an address for keying.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
