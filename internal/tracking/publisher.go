package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
)

// SQSAPI is the subset of the SQS client used by Publisher and Consumer.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// RefreshRequest asks the worker to recompute one campaign.
type RefreshRequest struct {
	CampaignID  string    `json:"campaign_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher enqueues analytics refresh requests. It is the queue-mode
// Refresher.
type Publisher struct {
	client   SQSAPI
	queueURL string
	now      func() time.Time
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, now: time.Now}
}

// RefreshCampaign sends a refresh request for campaignID. The call is
// synchronous so the caller's backend timeout bounds it.
func (p *Publisher) RefreshCampaign(ctx context.Context, campaignID string) error {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return fmt.Errorf("publish refresh: empty campaign id")
	}
	body, err := json.Marshal(RefreshRequest{CampaignID: campaignID, RequestedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish refresh %s: %w", campaignID, err)
	}
	return nil
}
