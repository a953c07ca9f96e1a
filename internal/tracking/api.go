package tracking

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/metrics"
	"github.com/ignite/engagement-tracker/internal/pkg/httputil"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
)

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.APIKey)) != 1 {
				httputil.Unauthorized(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type registerSendRequest struct {
	CampaignID string `json:"campaign_id"`
	Email      string `json:"email"`
	ContactID  string `json:"contact_id,omitempty"`
	TrackingID string `json:"tracking_id,omitempty"`
	HTML       string `json:"html,omitempty"`
}

type registerSendResponse struct {
	TrackingID     string `json:"tracking_id"`
	PixelURL       string `json:"pixel_url,omitempty"`
	UnsubscribeURL string `json:"unsubscribe_url,omitempty"`
	HTML           string `json:"html,omitempty"`
}

// HandleRegisterSend records the sent event for one outbound message and
// returns the links the mailer embeds. When html is supplied it comes back
// with its links rewritten and the pixel appended.
func (h *Handler) HandleRegisterSend(w http.ResponseWriter, r *http.Request) {
	var req registerSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	sent, err := h.events.RecordSent(r.Context(), events.SendRequest{
		CampaignID: req.CampaignID,
		Email:      req.Email,
		ContactID:  req.ContactID,
		TrackingID: req.TrackingID,
	})
	switch {
	case errors.Is(err, events.ErrInvalidEvent):
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, events.ErrDuplicateSent):
		httputil.Conflict(w, "tracking id already registered")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}
	metrics.EventsRecorded.WithLabelValues(string(domain.EventSent)).Inc()
	h.refresh(r.Context(), sent.CampaignID)

	resp := registerSendResponse{TrackingID: sent.TrackingID}
	if h.links != nil {
		resp.PixelURL = h.links.PixelURL(sent.TrackingID, sent.CampaignID, "")
		unsubURL, err := h.links.UnsubscribeURL(sent.RecipientEmail, sent.CampaignID)
		if err != nil {
			logger.Warn("build unsubscribe url", "tracking_id", sent.TrackingID, "error", err.Error())
		}
		resp.UnsubscribeURL = unsubURL
		if req.HTML != "" {
			resp.HTML = h.links.InjectTracking(req.HTML, sent.TrackingID, sent.CampaignID)
		}
	}
	httputil.Created(w, resp)
}

type webhookEvent struct {
	TrackingID  string    `json:"tracking_id"`
	EventType   string    `json:"event_type"`
	CreatedAt   time.Time `json:"created_at"`
	Reason      string    `json:"reason,omitempty"`
	BounceClass string    `json:"bounce_class,omitempty"`
}

type webhookResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

var webhookTypes = map[domain.EventType]bool{
	domain.EventDelivered:  true,
	domain.EventBounced:    true,
	domain.EventComplained: true,
}

// HandleWebhookEvents ingests delivery feedback from the sending provider.
// Unknown tracking ids and unsupported types are skipped; each campaign that
// received an event is refreshed once.
func (h *Handler) HandleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	var batch []webhookEvent
	if !httputil.Decode(w, r, &batch) {
		return
	}

	var resp webhookResponse
	touched := make(map[string]bool)
	var order []string
	for _, in := range batch {
		t, err := domain.ParseEventType(in.EventType)
		if err != nil || !webhookTypes[t] {
			resp.Skipped++
			continue
		}
		data := domain.EventData{Reason: in.Reason, BounceClass: in.BounceClass, Source: "webhook"}
		evt, err := h.events.RecordByTrackingID(r.Context(), in.TrackingID, t, data, in.CreatedAt)
		if events.IsNotFound(err) {
			resp.Skipped++
			continue
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		metrics.EventsRecorded.WithLabelValues(string(t)).Inc()
		resp.Accepted++
		if !touched[evt.CampaignID] {
			touched[evt.CampaignID] = true
			order = append(order, evt.CampaignID)
		}
	}

	for _, id := range order {
		h.refresh(r.Context(), id)
	}
	logger.Info("webhook batch ingested", "accepted", resp.Accepted, "skipped", resp.Skipped, "campaigns", len(order))
	httputil.OK(w, resp)
}

type analyticsResponse struct {
	*domain.CampaignAnalytics
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

func (h *Handler) HandleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		httputil.NotFound(w, "analytics not enabled")
		return
	}
	row, err := h.analytics.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.analyticsError(w, err)
		return
	}
	httputil.OK(w, analyticsResponse{CampaignAnalytics: row, OpenRate: row.OpenRate(), ClickRate: row.ClickRate()})
}

// HandleRefreshAnalytics is the manual refresh action. It always recomputes
// inline, whatever the configured refresh mode.
func (h *Handler) HandleRefreshAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		httputil.NotFound(w, "analytics not enabled")
		return
	}
	row, err := h.analytics.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.analyticsError(w, err)
		return
	}
	httputil.OK(w, analyticsResponse{CampaignAnalytics: row, OpenRate: row.OpenRate(), ClickRate: row.ClickRate()})
}

func (h *Handler) analyticsError(w http.ResponseWriter, err error) {
	if errors.Is(err, analytics.ErrEmptyCampaignID) {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.InternalError(w, err)
}
