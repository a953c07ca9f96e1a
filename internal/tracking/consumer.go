package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/ignite/engagement-tracker/internal/pkg/logger"
)

// Consumer long-polls the refresh queue and runs each requested refresh.
// A message is deleted only after its campaign refreshed successfully;
// failures stay on the queue and are redelivered after the visibility
// timeout.
type Consumer struct {
	client      SQSAPI
	queueURL    string
	refresher   Refresher
	waitSeconds int32
	retryDelay  time.Duration
	done        chan struct{}
	stopOnce    sync.Once
}

func NewConsumer(client SQSAPI, queueURL string, refresher Refresher, waitSeconds int32) *Consumer {
	if waitSeconds <= 0 || waitSeconds > 20 {
		waitSeconds = 20
	}
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		refresher:   refresher,
		waitSeconds: waitSeconds,
		retryDelay:  5 * time.Second,
		done:        make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	logger.Info("[RefreshConsumer] started", "queue", c.queueURL)
	go c.poll(ctx)
}

// Stop ends the poll loop. It is safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("[RefreshConsumer] receive failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// PollOnce receives one batch and processes it. Requests for the same
// campaign within a batch share a single refresh. It returns the number of
// messages deleted.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	byCampaign := make(map[string][]*string)
	var order []string
	deleted := 0
	for _, msg := range out.Messages {
		req, ok := decodeRefresh(msg)
		if !ok {
			logger.Warn("[RefreshConsumer] dropping malformed message", "message_id", aws.ToString(msg.MessageId))
			if c.deleteMessage(ctx, msg.ReceiptHandle) {
				deleted++
			}
			continue
		}
		if _, seen := byCampaign[req.CampaignID]; !seen {
			order = append(order, req.CampaignID)
		}
		byCampaign[req.CampaignID] = append(byCampaign[req.CampaignID], msg.ReceiptHandle)
	}

	for _, campaignID := range order {
		if err := c.refresher.RefreshCampaign(ctx, campaignID); err != nil {
			logger.Error("[RefreshConsumer] refresh failed, leaving for redelivery", "campaign_id", campaignID, "error", err.Error())
			continue
		}
		for _, h := range byCampaign[campaignID] {
			if c.deleteMessage(ctx, h) {
				deleted++
			}
		}
	}
	return deleted, nil
}

func decodeRefresh(msg types.Message) (RefreshRequest, bool) {
	var req RefreshRequest
	if msg.Body == nil {
		return req, false
	}
	if err := json.Unmarshal([]byte(*msg.Body), &req); err != nil || req.CampaignID == "" {
		return req, false
	}
	return req, true
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("[RefreshConsumer] delete failed", "error", err.Error())
		return false
	}
	return true
}
