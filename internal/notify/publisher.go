// Package notify implements the outbound side of the pipeline: alert event
// publication to SQS, SNS topic delivery for the alert worker, and CloudWatch
// ingest telemetry. Nothing in this package may fail a batch; callers log
// and continue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"tidewatch/internal/types"
)

// sqsMaxBatchSize is the SQS SendMessageBatch maximum.
const sqsMaxBatchSize = 10

// SQSSender abstracts the SQS batch send operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// AlertQueuePublisher publishes alert events to the alert SQS queue in chunks
// of 10 (the SQS maximum). It implements ingest.AlertPublisher.
type AlertQueuePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewAlertQueuePublisher creates a publisher targeting the given queue.
func NewAlertQueuePublisher(client SQSSender, queueURL string, logger *slog.Logger) *AlertQueuePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertQueuePublisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishAlerts chunks events into groups of 10 and sends them via the SQS
// SendMessageBatch API. It respects ctx.Done() to abort cleanly on Lambda
// timeout. Partial failures within an accepted batch are logged and surfaced
// as an error; the caller treats the whole operation as non-fatal either way.
func (p *AlertQueuePublisher) PublishAlerts(ctx context.Context, events []types.AlertEvent) error {
	for i := 0; i < len(events); i += sqsMaxBatchSize {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during alert publish: %w", ctx.Err())
		default:
		}

		end := i + sqsMaxBatchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[i:end]

		entries := make([]sqsTypes.SendMessageBatchRequestEntry, len(chunk))
		for j, ev := range chunk {
			body, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal alert event: %w", err)
			}
			entries[j] = sqsTypes.SendMessageBatchRequestEntry{
				Id:          aws.String(ev.ID),
				MessageBody: aws.String(string(body)),
			}
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return types.NewAppError(types.ErrCodeUpstreamNotification,
				"failed to send alert batch to SQS", err)
		}
		if len(out.Failed) > 0 {
			for _, f := range out.Failed {
				p.logger.ErrorContext(ctx, "alert event rejected by SQS",
					"entry_id", aws.ToString(f.Id),
					"code", aws.ToString(f.Code),
					"message", aws.ToString(f.Message),
				)
			}
			return types.NewAppError(types.ErrCodeUpstreamNotification,
				fmt.Sprintf("%d alert events rejected by SQS", len(out.Failed)), nil)
		}

		p.logger.InfoContext(ctx, "alert events published",
			"count", len(chunk),
			"queue_url", p.queueURL,
		)
	}
	return nil
}
