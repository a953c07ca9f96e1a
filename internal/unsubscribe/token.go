// Package unsubscribe encodes and validates the self-describing tokens carried
// by unsubscribe links. A token binds an email address and campaign to the
// time it was issued and is signed with HMAC-SHA256 so it cannot be edited to
// target another recipient.
package unsubscribe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// DefaultValidity is how long an issued token is accepted.
const DefaultValidity = 7 * 24 * time.Hour

const signatureLen = 32

// Kind classifies token rejections.
type Kind string

const (
	KindMalformed Kind = "malformed"
	KindMismatch  Kind = "mismatch"
	KindExpired   Kind = "expired"
)

// TokenError is returned for every token rejection.
type TokenError struct {
	Kind   Kind
	Detail string
}

func (e *TokenError) Error() string {
	if e.Detail == "" {
		return "unsubscribe token " + string(e.Kind)
	}
	return "unsubscribe token " + string(e.Kind) + ": " + e.Detail
}

// Is matches any TokenError of the same Kind, so errors.Is(err, ErrExpired)
// works regardless of Detail.
func (e *TokenError) Is(target error) bool {
	var t *TokenError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMalformed = &TokenError{Kind: KindMalformed}
	ErrMismatch  = &TokenError{Kind: KindMismatch}
	ErrExpired   = &TokenError{Kind: KindExpired}
)

// Claims is the content of a token.
type Claims struct {
	Email      string    `json:"email"`
	CampaignID string    `json:"campaign_id"`
	IssuedAt   time.Time `json:"-"`
}

type payload struct {
	Email      string `json:"email"`
	CampaignID string `json:"campaign_id"`
	Timestamp  int64  `json:"timestamp"`
}

// Codec signs and verifies tokens. It is safe for concurrent use.
type Codec struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
}

// NewCodec creates a codec. A zero validity uses DefaultValidity.
func NewCodec(secret string, validity time.Duration) *Codec {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Codec{secret: []byte(secret), validity: validity, now: time.Now}
}

// Encode issues a token for c. IssuedAt defaults to now and is kept at
// millisecond precision.
func (c *Codec) Encode(cl Claims) (string, error) {
	if strings.TrimSpace(cl.Email) == "" || strings.TrimSpace(cl.CampaignID) == "" {
		return "", fmt.Errorf("encode unsubscribe token: email and campaign are required")
	}
	issued := cl.IssuedAt
	if issued.IsZero() {
		issued = c.now()
	}
	body, err := json.Marshal(payload{
		Email:      domain.NormalizeEmail(cl.Email),
		CampaignID: cl.CampaignID,
		Timestamp:  issued.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode unsubscribe token: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + c.sign(encoded), nil
}

// Decode verifies the signature and structure of token. It does not check
// expiry or bind the token to a request; use Validate for that.
func (c *Codec) Decode(token string) (Claims, error) {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" {
		return Claims{}, &TokenError{Kind: KindMalformed, Detail: "missing signature"}
	}
	if !hmac.Equal([]byte(c.sign(encoded)), []byte(sig)) {
		return Claims{}, &TokenError{Kind: KindMalformed, Detail: "bad signature"}
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, &TokenError{Kind: KindMalformed, Detail: "bad encoding"}
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Claims{}, &TokenError{Kind: KindMalformed, Detail: "bad payload"}
	}
	if p.Email == "" || p.CampaignID == "" || p.Timestamp <= 0 {
		return Claims{}, &TokenError{Kind: KindMalformed, Detail: "incomplete payload"}
	}
	return Claims{
		Email:      p.Email,
		CampaignID: p.CampaignID,
		IssuedAt:   time.UnixMilli(p.Timestamp).UTC(),
	}, nil
}

// Validate decodes token and checks that it was issued for email and
// campaignID and has not outlived the validity window at now. A token aged
// exactly the validity window is still accepted.
func (c *Codec) Validate(token, email, campaignID string, now time.Time) (Claims, error) {
	cl, err := c.Decode(token)
	if err != nil {
		return Claims{}, err
	}
	if cl.Email != domain.NormalizeEmail(email) || cl.CampaignID != strings.TrimSpace(campaignID) {
		return Claims{}, &TokenError{Kind: KindMismatch, Detail: "token issued for a different recipient or campaign"}
	}
	if now.Sub(cl.IssuedAt) > c.validity {
		return Claims{}, &TokenError{Kind: KindExpired, Detail: fmt.Sprintf("issued %s", cl.IssuedAt.Format(time.RFC3339))}
	}
	return cl, nil
}

func (c *Codec) sign(data string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:signatureLen]
}
