package tracking

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/forward"
	"github.com/ignite/engagement-tracker/internal/repository/memory"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	unsubsvc "github.com/ignite/engagement-tracker/internal/service/unsubscribe"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

const (
	uaChrome  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaFirefox = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	baseURL   = "https://t.example.net"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store     *memory.Store
	events    *events.Service
	analytics *analytics.Service
	links     *LinkBuilder
	handler   *Handler
	router    http.Handler
	clock     *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := memory.New()
	evts := events.NewService(store)
	an := analytics.NewService(store)
	codec := tokens.NewCodec("test-secret", 0)
	links := NewLinkBuilder(baseURL, codec)
	unsub := unsubsvc.NewService(store, codec, store, store, an)

	h := NewHandler(cfg, Deps{
		Events:      evts,
		Detector:    forward.NewDetector(forward.DefaultConfig()),
		Refresher:   an,
		Unsubscribe: unsub,
		Analytics:   an,
		Links:       links,
	})
	clock := &fakeClock{t: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	h.now = clock.now

	return &testEnv{
		store:     store,
		events:    evts,
		analytics: an,
		links:     links,
		handler:   h,
		router:    h.Routes(),
		clock:     clock,
	}
}

func (e *testEnv) send(t *testing.T, trackingID, campaignID, email string) {
	t.Helper()
	_, err := e.events.RecordSent(context.Background(), events.SendRequest{
		TrackingID: trackingID,
		CampaignID: campaignID,
		Email:      email,
	})
	require.NoError(t, err)
}

func (e *testEnv) get(target, ip, ua string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = ip + ":52100"
	req.Header.Set("User-Agent", ua)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) eventsOf(t *testing.T, f events.Filter) []domain.EngagementEvent {
	t.Helper()
	out, err := e.store.Query(context.Background(), f)
	require.NoError(t, err)
	return out
}

func (e *testEnv) row(t *testing.T, campaignID string) *domain.CampaignAnalytics {
	t.Helper()
	row, err := e.analytics.Get(context.Background(), campaignID)
	require.NoError(t, err)
	return row
}

func assertPixel(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store, no-cache, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, bytes.Equal(pixelGIF, w.Body.Bytes()))
}

func TestPixelBytes(t *testing.T) {
	require.Len(t, pixelGIF, 43)
	assert.Equal(t, "GIF89a", string(pixelGIF[:6]))
	assert.Equal(t, byte(0x3b), pixelGIF[42])
}

// Three opens from the same client within a second are three opens of one
// recipient.
func TestOpen_RepeatedOpensCountOnceUnique(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	for i := 0; i < 3; i++ {
		assertPixel(t, env.get("/track/open?id=abc&type=open", "198.51.100.7", uaChrome))
		env.clock.advance(300 * time.Millisecond)
	}

	opened := env.eventsOf(t, events.Filter{TrackingID: "abc", Types: []domain.EventType{domain.EventOpened}})
	assert.Len(t, opened, 3)

	row := env.row(t, "camp1")
	assert.Equal(t, 1, row.SentCount)
	assert.Equal(t, 3, row.OpenedCount)
	assert.Equal(t, 1, row.UniqueOpenedCount)
}

func TestOpen_DifferentIPAndBrowserIsForwarded(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	assertPixel(t, env.get("/track/open?id=abc", "198.51.100.7", uaChrome))
	env.clock.advance(2 * time.Hour)
	assertPixel(t, env.get("/track/open?id=abc", "203.0.113.9", uaFirefox))

	fwd := env.eventsOf(t, events.Filter{TrackingID: "abc", Types: []domain.EventType{domain.EventForwarded}})
	require.Len(t, fwd, 1)
	require.NotNil(t, fwd[0].Data.Forward)
	assert.True(t, fwd[0].Data.Forward.IsForwarded)
	assert.Equal(t, 55, fwd[0].Data.Forward.Confidence)
	assert.ElementsMatch(t, []string{forward.IndicatorDifferentIP, forward.IndicatorDifferentBrowser}, fwd[0].Data.Forward.Indicators)

	row := env.row(t, "camp1")
	assert.Equal(t, 2, row.OpenedCount)
	assert.Equal(t, 1, row.UniqueOpenedCount)
}

func TestOpen_DifferentIPAloneStaysOpened(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	env.get("/track/open?id=abc", "198.51.100.7", uaChrome)
	env.clock.advance(time.Hour)
	env.get("/track/open?id=abc", "203.0.113.9", uaChrome)

	opened := env.eventsOf(t, events.Filter{TrackingID: "abc", Types: []domain.EventType{domain.EventOpened}})
	require.Len(t, opened, 2)
	assert.Equal(t, 30, opened[1].Data.Forward.Confidence)
}

func TestOpen_StoresHashedIPAndMetadata(t *testing.T) {
	env := newTestEnv(t, Config{IPHashSalt: "pepper"})
	env.send(t, "abc", "camp1", "a@b.com")

	env.get("/track/open?id=abc&type=reopen&section=footer&campaign=camp1", "198.51.100.7", uaChrome)

	opened := env.eventsOf(t, events.Filter{TrackingID: "abc", Types: []domain.EventType{domain.EventOpened}})
	require.Len(t, opened, 1)
	d := opened[0].Data
	assert.Len(t, d.IPHash, 16)
	assert.NotContains(t, d.IPHash, "198.51")
	assert.Equal(t, env.handler.hashIP("198.51.100.7"), d.IPHash)
	assert.Equal(t, "footer", d.Section)
	assert.Equal(t, domain.OpenReopen, d.OpenKind)
	assert.Equal(t, "desktop", d.Device)
	assert.Equal(t, uaChrome, d.UserAgent)
	assert.Equal(t, "camp1", opened[0].CampaignID)
	assert.Equal(t, "a@b.com", opened[0].RecipientEmail)
}

func TestOpen_CampaignParamIsAdvisory(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	assertPixel(t, env.get("/track/open?id=abc&campaign=other", "198.51.100.7", uaChrome))

	opened := env.eventsOf(t, events.Filter{CampaignID: "camp1", Types: []domain.EventType{domain.EventOpened}})
	assert.Len(t, opened, 1)
	assert.Empty(t, env.eventsOf(t, events.Filter{CampaignID: "other"}))
}

func TestOpen_UnknownOrMissingIDStillServesPixel(t *testing.T) {
	env := newTestEnv(t, Config{})

	assertPixel(t, env.get("/track/open?id=nope", "198.51.100.7", uaChrome))
	assertPixel(t, env.get("/track/open", "198.51.100.7", uaChrome))

	assert.Empty(t, env.eventsOf(t, events.Filter{}))
}

func TestClick_RecordsAndRedirects(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	dest := "https://shop.example.com/sale?x=1&y=2"
	w := env.get("/track/click?id=abc&url="+url.QueryEscape(dest), "198.51.100.7", uaChrome)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, dest, w.Header().Get("Location"))
	assert.Equal(t, "no-store, no-cache, must-revalidate", w.Header().Get("Cache-Control"))

	clicks := env.eventsOf(t, events.Filter{TrackingID: "abc", Types: []domain.EventType{domain.EventClicked}})
	require.Len(t, clicks, 1)
	assert.Equal(t, dest, clicks[0].Data.URL)

	row := env.row(t, "camp1")
	assert.Equal(t, 1, row.ClickedCount)
	assert.Equal(t, 1, row.UniqueClickedCount)
}

func TestClick_UnknownIDStillRedirects(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.get("/track/click?id=unknown-id&url=https://example.com", "198.51.100.7", uaChrome)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Location"))
	assert.Empty(t, env.eventsOf(t, events.Filter{}))
}

func TestClick_UnusableDestination(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.send(t, "abc", "camp1", "a@b.com")

	w := env.get("/track/click?id=abc&url="+url.QueryEscape("javascript:alert(1)"), "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	withFallback := newTestEnv(t, Config{FallbackURL: "https://example.org/"})
	withFallback.send(t, "abc", "camp1", "a@b.com")
	w = withFallback.get("/track/click?id=abc", "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.org/", w.Header().Get("Location"))

	assert.Empty(t, env.eventsOf(t, events.Filter{Types: []domain.EventType{domain.EventClicked}}))
	assert.Empty(t, withFallback.eventsOf(t, events.Filter{Types: []domain.EventType{domain.EventClicked}}))
}

// brokenRepo simulates a backend that errors, panics or hangs.
type brokenRepo struct {
	mode    string
	release chan struct{}
}

func (b *brokenRepo) fail(ctx context.Context) error {
	switch b.mode {
	case "panic":
		panic("connection pool exploded")
	case "hang":
		<-b.release
		return errors.New("too late")
	default:
		return errors.New("connection refused")
	}
}

func (b *brokenRepo) Append(ctx context.Context, _ *domain.EngagementEvent) (string, error) {
	return "", b.fail(ctx)
}

func (b *brokenRepo) FindSent(ctx context.Context, _ string) (*domain.EngagementEvent, error) {
	return nil, b.fail(ctx)
}

func (b *brokenRepo) Query(ctx context.Context, _ events.Filter) ([]domain.EngagementEvent, error) {
	return nil, b.fail(ctx)
}

func (b *brokenRepo) ActiveCampaigns(ctx context.Context, _ time.Time) ([]string, error) {
	return nil, b.fail(ctx)
}

func TestTracking_BackendFailuresNeverReachTheClient(t *testing.T) {
	for _, mode := range []string{"error", "panic", "hang"} {
		t.Run(mode, func(t *testing.T) {
			repo := &brokenRepo{mode: mode, release: make(chan struct{})}
			defer close(repo.release)

			h := NewHandler(Config{BackendTimeout: 50 * time.Millisecond}, Deps{Events: events.NewService(repo)})
			router := h.Routes()

			start := time.Now()
			req := httptest.NewRequest(http.MethodGet, "/track/open?id=abc", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assertPixel(t, w)

			req = httptest.NewRequest(http.MethodGet, "/track/click?id=abc&url=https://example.com/x", nil)
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, "https://example.com/x", w.Header().Get("Location"))

			assert.True(t, time.Since(start) < 2*time.Second)
		})
	}
}

func TestRunGuarded_Outcomes(t *testing.T) {
	h := NewHandler(Config{BackendTimeout: 30 * time.Millisecond}, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/track/open?id=x", nil)
	block := make(chan struct{})
	defer close(block)

	tests := []struct {
		name    string
		process func(context.Context, hit) (string, error)
		want    string
	}{
		{"recorded", func(context.Context, hit) (string, error) { return OutcomeRecorded, nil }, OutcomeRecorded},
		{"error", func(context.Context, hit) (string, error) { return "", errors.New("boom") }, OutcomeError},
		{"panic", func(context.Context, hit) (string, error) { panic("boom") }, OutcomePanic},
		{"timeout", func(context.Context, hit) (string, error) { <-block; return OutcomeRecorded, nil }, OutcomeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.runGuarded(req, "open", tt.process))
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:443", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-Ip": "203.0.113.2"}, "10.0.0.2:443", "203.0.113.2"},
		{"remote addr", nil, "198.51.100.3:5555", "198.51.100.3"},
		{"ipv6 remote", nil, "[2001:db8::1]:5555", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestDetectDevice(t *testing.T) {
	assert.Equal(t, "mobile", detectDevice("Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) Mobile/15E148"))
	assert.Equal(t, "tablet", detectDevice("Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) Mobile/15E148"))
	assert.Equal(t, "desktop", detectDevice(uaChrome))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := env.get("/health", "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.get("/track/open?id=nope", "198.51.100.7", uaChrome)

	w := env.get("/metrics", "198.51.100.7", uaChrome)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "engagement_tracking_requests_total"))
}
