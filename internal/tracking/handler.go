package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/forward"
	"github.com/ignite/engagement-tracker/internal/metrics"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	unsubsvc "github.com/ignite/engagement-tracker/internal/service/unsubscribe"
)

// 1x1 transparent GIF89a
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

// Outcomes reported on the tracking_requests_total metric.
const (
	OutcomeRecorded  = "recorded"
	OutcomeMissingID = "missing_id"
	OutcomeUnknownID = "unknown_id"
	OutcomeBadURL    = "bad_url"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomePanic     = "panic"
)

const ipHashLen = 16

// Refresher triggers an analytics refresh for one campaign. The analytics
// service satisfies it for inline refresh and Publisher for queued refresh.
type Refresher interface {
	RefreshCampaign(ctx context.Context, campaignID string) error
}

// Config tunes the tracking endpoints.
type Config struct {
	BackendTimeout time.Duration
	IPHashSalt     string
	// FallbackURL receives click redirects whose destination is unusable.
	FallbackURL string
	// APIKey guards /api and /webhooks when set.
	APIKey string
}

// Deps are the collaborators behind the endpoints. Unsubscribe, Analytics and
// Links may be nil, which disables the routes that need them.
type Deps struct {
	Events      *events.Service
	Detector    *forward.Detector
	Refresher   Refresher
	Unsubscribe *unsubsvc.Service
	Analytics   *analytics.Service
	Links       *LinkBuilder
}

type Handler struct {
	cfg         Config
	events      *events.Service
	detector    *forward.Detector
	refresher   Refresher
	unsubscribe *unsubsvc.Service
	analytics   *analytics.Service
	links       *LinkBuilder
	now         func() time.Time
}

func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 3 * time.Second
	}
	if deps.Detector == nil {
		deps.Detector = forward.NewDetector(forward.DefaultConfig())
	}
	return &Handler{
		cfg:         cfg,
		events:      deps.Events,
		detector:    deps.Detector,
		refresher:   deps.Refresher,
		unsubscribe: deps.Unsubscribe,
		analytics:   deps.Analytics,
		links:       deps.Links,
		now:         time.Now,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/track/open", h.HandleOpen)
	r.Get("/track/click", h.HandleClick)
	r.Get("/unsubscribe", h.HandleUnsubscribe)
	r.Post("/unsubscribe", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/api/sends", h.HandleRegisterSend)
		r.Post("/webhooks/events", h.HandleWebhookEvents)
		r.Get("/api/campaigns/{id}/analytics", h.HandleGetAnalytics)
		r.Post("/api/campaigns/{id}/analytics/refresh", h.HandleRefreshAnalytics)
	})
	return r
}

// hit is the part of a tracking request the background processor may read.
// The request itself is not touched once the response is written.
type hit struct {
	query     url.Values
	userAgent string
	ip        string
	at        time.Time
}

// runGuarded runs process under the backend timeout with panic recovery and
// returns its outcome. It never blocks longer than the timeout; a processor
// that overruns keeps running detached and its result is discarded.
func (h *Handler) runGuarded(r *http.Request, kind string, process func(ctx context.Context, in hit) (string, error)) string {
	in := hit{
		query:     r.URL.Query(),
		userAgent: r.UserAgent(),
		ip:        clientIP(r),
		at:        h.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.BackendTimeout)
	type result struct {
		outcome string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				done <- result{outcome: OutcomePanic, err: fmt.Errorf("panic: %v", p)}
			}
		}()
		outcome, err := process(ctx, in)
		done <- result{outcome: outcome, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		default:
			res = result{outcome: OutcomeTimeout, err: ctx.Err()}
		}
	}
	if res.err != nil {
		if res.outcome == "" {
			res.outcome = OutcomeError
		}
		logger.Error("tracking request failed", "kind", kind, "outcome", res.outcome,
			"tracking_id", in.query.Get("id"), "error", res.err.Error())
	}
	metrics.TrackingRequests.WithLabelValues(kind, res.outcome).Inc()
	return res.outcome
}

// track builds a tracking endpoint that always writes respond's response,
// whatever happened while processing.
func (h *Handler) track(kind string, process func(ctx context.Context, in hit) (string, error), respond http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.runGuarded(r, kind, process)
		setTrackingHeaders(w)
		respond(w, r)
	}
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	h.track("open", h.processOpen, servePixel)(w, r)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	h.track("click", h.processClick, h.redirect)(w, r)
}

func (h *Handler) processOpen(ctx context.Context, in hit) (string, error) {
	sent, outcome, err := h.lookup(ctx, in)
	if sent == nil {
		return outcome, err
	}

	history, err := h.events.OpenHistory(ctx, sent.TrackingID)
	if err != nil {
		return OutcomeError, fmt.Errorf("load open history: %w", err)
	}

	ipHash := h.hashIP(in.ip)
	res := h.detector.Detect(forward.Input{UserAgent: in.userAgent, IPHash: ipHash, At: in.at}, history)

	eventType := domain.EventOpened
	if res.IsForwarded {
		eventType = domain.EventForwarded
		metrics.ForwardDetections.WithLabelValues("forwarded").Inc()
	} else {
		metrics.ForwardDetections.WithLabelValues("genuine").Inc()
	}

	kind := domain.OpenFirst
	if strings.EqualFold(in.query.Get("type"), string(domain.OpenReopen)) {
		kind = domain.OpenReopen
	}

	data := domain.EventData{
		UserAgent: in.userAgent,
		IPHash:    ipHash,
		Section:   in.query.Get("section"),
		Device:    detectDevice(in.userAgent),
		OpenKind:  kind,
		Forward:   &res,
	}
	if _, err := h.events.RecordFollowUp(ctx, sent, eventType, data, in.at); err != nil {
		return OutcomeError, err
	}
	metrics.EventsRecorded.WithLabelValues(string(eventType)).Inc()
	if res.IsForwarded {
		logger.Info("forwarded open detected", "tracking_id", sent.TrackingID,
			"campaign_id", sent.CampaignID, "confidence", res.Confidence)
	}

	h.refresh(ctx, sent.CampaignID)
	return OutcomeRecorded, nil
}

func (h *Handler) processClick(ctx context.Context, in hit) (string, error) {
	dest, ok := destination(in.query.Get("url"))
	if !ok {
		logger.Debug("unusable click destination", "tracking_id", in.query.Get("id"), "url", in.query.Get("url"))
		return OutcomeBadURL, nil
	}

	sent, outcome, err := h.lookup(ctx, in)
	if sent == nil {
		return outcome, err
	}

	data := domain.EventData{
		UserAgent: in.userAgent,
		IPHash:    h.hashIP(in.ip),
		URL:       dest,
		Device:    detectDevice(in.userAgent),
	}
	if _, err := h.events.RecordFollowUp(ctx, sent, domain.EventClicked, data, in.at); err != nil {
		return OutcomeError, err
	}
	metrics.EventsRecorded.WithLabelValues(string(domain.EventClicked)).Inc()

	h.refresh(ctx, sent.CampaignID)
	return OutcomeRecorded, nil
}

// lookup resolves the sent event for the request's tracking id. A nil event
// means processing stops with the returned outcome.
func (h *Handler) lookup(ctx context.Context, in hit) (*domain.EngagementEvent, string, error) {
	trackingID := strings.TrimSpace(in.query.Get("id"))
	if trackingID == "" {
		return nil, OutcomeMissingID, nil
	}
	sent, err := h.events.FindSent(ctx, trackingID)
	if events.IsNotFound(err) {
		logger.Debug("unknown tracking id", "tracking_id", trackingID)
		return nil, OutcomeUnknownID, nil
	}
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("find sent %s: %w", trackingID, err)
	}

	if c := in.query.Get("campaign"); c != "" && c != sent.CampaignID {
		logger.Warn("campaign param disagrees with send", "tracking_id", trackingID,
			"param", c, "campaign_id", sent.CampaignID)
	}
	if c := in.query.Get("contact"); c != "" && sent.ContactID != "" && c != sent.ContactID {
		logger.Warn("contact param disagrees with send", "tracking_id", trackingID,
			"param", c, "contact_id", sent.ContactID)
	}
	return sent, "", nil
}

// refresh triggers the campaign refresh. The event is already stored, so a
// failure here is only logged; the reconciler catches the campaign later.
func (h *Handler) refresh(ctx context.Context, campaignID string) {
	if h.refresher == nil {
		return
	}
	if err := h.refresher.RefreshCampaign(ctx, campaignID); err != nil {
		logger.Warn("analytics refresh trigger failed", "campaign_id", campaignID, "error", err.Error())
	}
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	if dest, ok := destination(r.URL.Query().Get("url")); ok {
		http.Redirect(w, r, dest, http.StatusFound)
		return
	}
	if h.cfg.FallbackURL != "" {
		http.Redirect(w, r, h.cfg.FallbackURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte("invalid link"))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(h.cfg.IPHashSalt + ip))
	return hex.EncodeToString(sum[:])[:ipHashLen]
}

func servePixel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func setTrackingHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// destination returns raw as an absolute http(s) URL, or false.
func destination(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func detectDevice(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	return "desktop"
}
