// Package export writes point-in-time snapshots of every campaign analytics
// row to S3 so reporting jobs can read them without touching the database.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
)

// ErrNoSnapshot is returned by Latest when nothing has been exported yet.
var ErrNoSnapshot = errors.New("no analytics snapshot")

// Lister supplies the rows to export.
type Lister interface {
	List(ctx context.Context) ([]domain.CampaignAnalytics, error)
}

// S3API is the subset of the S3 client used by Exporter.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Snapshot is the JSON document stored per export.
type Snapshot struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Count       int                        `json:"count"`
	Campaigns   []domain.CampaignAnalytics `json:"campaigns"`
}

// Exporter writes snapshots under prefix: one timestamped object per run and
// a latest.json pointer copy.
type Exporter struct {
	client S3API
	bucket string
	prefix string
	source Lister
	now    func() time.Time
}

// New creates an exporter over an existing S3 client.
func New(client S3API, bucket, prefix string, source Lister) *Exporter {
	return &Exporter{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		source: source,
		now:    time.Now,
	}
}

// NewS3Exporter loads the default AWS config for region and creates an
// exporter.
func NewS3Exporter(ctx context.Context, bucket, prefix, region string, source Lister) (*Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for analytics export: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, prefix, source), nil
}

func (e *Exporter) key(name string) string {
	if e.prefix == "" {
		return name
	}
	return path.Join(e.prefix, name)
}

// SnapshotKey returns the object key for a snapshot generated at t.
func (e *Exporter) SnapshotKey(t time.Time) string {
	t = t.UTC()
	return e.key(fmt.Sprintf("%s/snapshot-%s.json", t.Format("2006/01/02"), t.Format("20060102T150405Z")))
}

// Export writes the current rows and returns the snapshot key.
func (e *Exporter) Export(ctx context.Context) (string, int, error) {
	rows, err := e.source.List(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list analytics: %w", err)
	}
	if rows == nil {
		rows = []domain.CampaignAnalytics{}
	}
	snap := Snapshot{GeneratedAt: e.now().UTC(), Count: len(rows), Campaigns: rows}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	key := e.SnapshotKey(snap.GeneratedAt)
	for _, k := range []string{key, e.key("latest.json")} {
		if err := e.put(ctx, k, body); err != nil {
			return "", 0, err
		}
	}

	logger.Info("[Export] analytics snapshot written", "bucket", e.bucket, "key", key, "campaigns", len(rows), "bytes", len(body))
	return key, len(rows), nil
}

// Latest reads back the most recent snapshot.
func (e *Exporter) Latest(ctx context.Context) (*Snapshot, error) {
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key("latest.json")),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", e.bucket, e.key("latest.json"), err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (e *Exporter) put(ctx context.Context, key string, body []byte) error {
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", e.bucket, key, err)
	}
	return nil
}
