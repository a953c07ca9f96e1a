package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/export"
	"github.com/ignite/engagement-tracker/internal/repository/memory"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

const testAPIKey = "k-test"

// newTestRuntime returns a runtime on default config writing to a buffer.
func newTestRuntime(t *testing.T) (*runtime, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &runtime{globals: &GlobalFlags{}, out: &out, cfg: config.Default()}, &out
}

// startTracker serves the real tracking API over an in-memory store.
func startTracker(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	analyticsSvc := analytics.NewService(store)
	h := tracking.NewHandler(tracking.Config{APIKey: testAPIKey}, tracking.Deps{
		Events:    events.NewService(store),
		Refresher: analyticsSvc,
		Analytics: analyticsSvc,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func apiArgs(srv *httptest.Server, args ...string) []string {
	return append([]string{"--server", srv.URL, "--api-key", testAPIKey}, args...)
}

func TestSendRefreshShow(t *testing.T) {
	srv := startTracker(t)

	rt, out := newTestRuntime(t)
	require.NoError(t, run(rt, apiArgs(srv, "send", "--campaign", "camp1", "--email", "A@Example.com", "--tracking-id", "t1")))
	assert.Contains(t, out.String(), "Tracking ID:  t1")

	rt, out = newTestRuntime(t)
	require.NoError(t, run(rt, apiArgs(srv, "refresh", "camp1")))
	assert.Contains(t, out.String(), "Campaign camp1")
	assert.Contains(t, out.String(), "Sent:          1")

	rt, out = newTestRuntime(t)
	require.NoError(t, run(rt, apiArgs(srv, "--json", "show", "camp1")))
	var v analyticsView
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, "camp1", v.CampaignID)
	assert.Equal(t, 1, v.SentCount)
	assert.Equal(t, 0.0, v.OpenRate)
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := startTracker(t)

	rt, _ := newTestRuntime(t)
	err := run(rt, []string{"--server", srv.URL, "--api-key", "wrong", "show", "camp1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "missing or invalid API key")

	rt, _ = newTestRuntime(t)
	require.NoError(t, run(rt, apiArgs(srv, "send", "--campaign", "camp1", "--email", "a@example.com", "--tracking-id", "dup")))
	rt, _ = newTestRuntime(t)
	err = run(rt, apiArgs(srv, "send", "--campaign", "camp1", "--email", "a@example.com", "--tracking-id", "dup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestTokenEncodeVerify(t *testing.T) {
	rt, out := newTestRuntime(t)
	require.NoError(t, run(rt, []string{"token", "encode", "--secret", "s3cret", "--email", "a@example.com", "--campaign", "camp1"}))
	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	rt, out = newTestRuntime(t)
	require.NoError(t, run(rt, []string{"token", "verify", "--secret", "s3cret", "--token", token, "--email", "A@example.com", "--campaign", "camp1"}))
	assert.Contains(t, out.String(), "VALID for a@example.com on campaign camp1")

	rt, out = newTestRuntime(t)
	err := run(rt, []string{"token", "verify", "--secret", "s3cret", "--token", token, "--email", "a@example.com", "--campaign", "camp2"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "REJECTED (mismatch)")

	rt, out = newTestRuntime(t)
	err = run(rt, []string{"token", "verify", "--secret", "other", "--token", token, "--email", "a@example.com", "--campaign", "camp1"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "REJECTED (malformed)")
}

func TestTokenEncodeURLAndMissingSecret(t *testing.T) {
	t.Setenv("UNSUBSCRIBE_SECRET", "")

	rt, out := newTestRuntime(t)
	require.NoError(t, run(rt, []string{"--server", "https://t.example.net", "token", "encode", "--url", "--secret", "s", "--email", "a@example.com", "--campaign", "camp1"}))
	assert.True(t, strings.HasPrefix(out.String(), "https://t.example.net/unsubscribe?"))

	rt, _ = newTestRuntime(t)
	err := run(rt, []string{"token", "encode", "--email", "a@example.com", "--campaign", "camp1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signing secret")
}

type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

type rows []domain.CampaignAnalytics

func (r rows) List(context.Context) ([]domain.CampaignAnalytics, error) { return r, nil }

func TestExportAndLatest(t *testing.T) {
	store := &memS3{objects: make(map[string][]byte)}
	source := rows{{CampaignID: "camp1", SentCount: 3, UniqueOpenedCount: 1}}
	withExporter := func(rt *runtime) {
		rt.cfg.Export.S3Bucket = "reports"
		rt.newExporter = func(context.Context, *config.Config) (*export.Exporter, func(), error) {
			return export.New(store, "reports", "analytics", source), func() {}, nil
		}
	}

	rt, out := newTestRuntime(t)
	withExporter(rt)
	require.NoError(t, run(rt, []string{"export", "--latest"}))
	assert.Contains(t, out.String(), "No snapshot exported yet")

	rt, out = newTestRuntime(t)
	withExporter(rt)
	require.NoError(t, run(rt, []string{"export"}))
	assert.Contains(t, out.String(), "Exported 1 campaigns to s3://reports/analytics/")

	rt, out = newTestRuntime(t)
	withExporter(rt)
	require.NoError(t, run(rt, []string{"export", "--latest"}))
	assert.Contains(t, out.String(), "(1 campaigns)")
	assert.Contains(t, out.String(), "camp1")
	assert.Contains(t, out.String(), "sent=3")
}

func TestOpenExporterRequiresBucket(t *testing.T) {
	_, _, err := openExporter(context.Background(), config.Default())
	assert.Error(t, err)
}

func TestHelpIsNotAnError(t *testing.T) {
	rt, _ := newTestRuntime(t)
	assert.NoError(t, run(rt, []string{"--help"}))
}
