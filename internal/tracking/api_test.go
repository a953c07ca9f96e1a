package tracking

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/service/events"
	unsubsvc "github.com/ignite/engagement-tracker/internal/service/unsubscribe"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

func (e *testEnv) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func pathOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.RequestURI()
}

func TestUnsubscribe_TwiceRecordsOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")
	env.store.PutCampaign(domain.Campaign{ID: "camp1", Name: "Spring Newsletter"})

	link, err := env.links.UnsubscribeURL("a@b.com", "camp1")
	require.NoError(t, err)

	first := env.get(pathOf(t, link), "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, first.Body.String(), "You will no longer receive emails from Spring Newsletter.")

	second := env.get(pathOf(t, link), "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "already unsubscribed")

	assert.Equal(t, 1, env.store.UnsubscribeCount())
	unsubs := env.eventsOf(t, events.Filter{Types: []domain.EventType{domain.EventUnsubscribed}})
	require.Len(t, unsubs, 1)
	assert.Equal(t, "abc", unsubs[0].TrackingID)

	row := env.row(t, "camp1")
	assert.Equal(t, 1, row.UnsubscribedCount)
}

func TestUnsubscribe_OneClickPost(t *testing.T) {
	env := newTestEnv(t, Config{})
	link, err := env.links.UnsubscribeURL("a@b.com", "camp1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, pathOf(t, link), strings.NewReader("List-Unsubscribe=One-Click"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), unsubsvc.DefaultCampaignName)
	assert.Equal(t, 1, env.store.UnsubscribeCount())
}

func TestUnsubscribe_RejectedLinks(t *testing.T) {
	env := newTestEnv(t, Config{})
	codec := tokens.NewCodec("test-secret", 0)

	good, err := codec.Encode(tokens.Claims{Email: "a@b.com", CampaignID: "camp1"})
	require.NoError(t, err)
	stale, err := codec.Encode(tokens.Claims{Email: "a@b.com", CampaignID: "camp1", IssuedAt: time.Now().Add(-8 * 24 * time.Hour)})
	require.NoError(t, err)

	q := func(token, email, campaign string) string {
		v := url.Values{}
		v.Set("token", token)
		v.Set("email", email)
		v.Set("campaign", campaign)
		return "/unsubscribe?" + v.Encode()
	}

	tests := []struct {
		name   string
		target string
		text   string
	}{
		{"malformed", q("garbage", "a@b.com", "camp1"), "not valid"},
		{"other recipient", q(good, "victim@b.com", "camp1"), "not valid"},
		{"other campaign", q(good, "a@b.com", "camp2"), "not valid"},
		{"expired", q(stale, "a@b.com", "camp1"), "expired"},
		{"missing params", "/unsubscribe?email=a@b.com", "incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.get(tt.target, "198.51.100.7", uaChrome)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, w.Body.String(), tt.text)
		})
	}
	assert.Equal(t, 0, env.store.UnsubscribeCount())
}

func TestRegisterSend(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "k3y"})
	auth := map[string]string{"X-API-Key": "k3y"}

	w := env.do(http.MethodPost, "/api/sends", `{"campaign_id":"camp1","email":"a@b.com"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body := `{"campaign_id":"camp1","email":"A@B.com","tracking_id":"abc","html":"<html><body><a href=\"https://shop.example.com\">x</a></body></html>"}`
	w = env.do(http.MethodPost, "/api/sends", body, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp registerSendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp.TrackingID)
	assert.True(t, strings.HasPrefix(resp.PixelURL, baseURL+"/track/open?"))
	assert.True(t, strings.HasPrefix(resp.UnsubscribeURL, baseURL+"/unsubscribe?"))
	assert.Contains(t, resp.HTML, baseURL+"/track/click?")
	assert.Contains(t, resp.HTML, "<img src=")

	sent, err := env.events.FindSent(t.Context(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", sent.RecipientEmail)
	assert.Equal(t, 1, env.row(t, "camp1").SentCount)

	w = env.do(http.MethodPost, "/api/sends", `{"campaign_id":"camp1","email":"a@b.com","tracking_id":"abc"}`, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/api/sends", `{"campaign_id":"","email":"a@b.com"}`, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")
	env.send(t, "def", "camp1", "c@d.com")

	body := `[
		{"tracking_id":"abc","event_type":"delivered"},
		{"tracking_id":"def","event_type":"bounced","bounce_class":"hard","reason":"550 no such user"},
		{"tracking_id":"zzz","event_type":"delivered"},
		{"tracking_id":"abc","event_type":"opened"}
	]`
	w := env.do(http.MethodPost, "/webhooks/events", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"accepted":2,"skipped":2}`, w.Body.String())

	bounces := env.eventsOf(t, events.Filter{Types: []domain.EventType{domain.EventBounced}})
	require.Len(t, bounces, 1)
	assert.Equal(t, "hard", bounces[0].Data.BounceClass)
	assert.Equal(t, "webhook", bounces[0].Data.Source)

	row := env.row(t, "camp1")
	assert.Equal(t, 1, row.DeliveredCount)
	assert.Equal(t, 1, row.BouncedCount)
	assert.Equal(t, 0, row.OpenedCount)

	w = env.do(http.MethodPost, "/webhooks/events", `{"not":"a list"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.do(http.MethodGet, "/api/campaigns/empty/analytics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "empty", got["campaign_id"])
	assert.Equal(t, float64(0), got["sent_count"])

	env.send(t, "abc", "camp1", "a@b.com")
	env.send(t, "def", "camp1", "c@d.com")
	env.get("/track/open?id=abc", "198.51.100.7", uaChrome)

	w = env.do(http.MethodPost, "/api/campaigns/camp1/analytics/refresh", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(2), got["sent_count"])
	assert.Equal(t, float64(1), got["unique_opened_count"])
	assert.Equal(t, float64(50), got["open_rate"])
	assert.Equal(t, float64(0), got["click_rate"])
}
