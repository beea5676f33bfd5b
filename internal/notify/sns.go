package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sony/gobreaker/v2"

	"tidewatch/internal/types"
)

// SNSPublisher abstracts the SNS Publish operation for testability.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AlertTopic delivers formatted threshold alerts to an SNS topic. Publish
// calls run through a circuit breaker so a flapping SNS endpoint fails fast
// instead of holding worker invocations to their timeout.
type AlertTopic struct {
	client   SNSPublisher
	topicARN string
	breaker  *gobreaker.CircuitBreaker[*sns.PublishOutput]
	logger   *slog.Logger
}

// NewAlertTopic creates an AlertTopic for the given topic ARN.
func NewAlertTopic(client SNSPublisher, topicARN string, logger *slog.Logger) *AlertTopic {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*sns.PublishOutput](gobreaker.Settings{
		Name:    "sns-alert-topic",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &AlertTopic{
		client:   client,
		topicARN: topicARN,
		breaker:  cb,
		logger:   logger,
	}
}

// Deliver formats and publishes one alert event. An open breaker or a
// publish error is returned to the caller so the SQS message is redelivered.
func (t *AlertTopic) Deliver(ctx context.Context, ev types.AlertEvent) error {
	subject := "TideWatch alert: deviation threshold exceeded"
	message := formatAlertMessage(ev)

	_, err := t.breaker.Execute(func() (*sns.PublishOutput, error) {
		return t.client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(t.topicARN),
			Subject:  aws.String(subject),
			Message:  aws.String(message),
		})
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamNotification,
			fmt.Sprintf("failed to publish alert %s to SNS", ev.ID), err)
	}

	t.logger.InfoContext(ctx, "alert delivered",
		"alert_id", ev.ID,
		"date", ev.Date,
		"deviation", ev.Deviation.String(),
	)
	return nil
}

// formatAlertMessage renders the human-readable notification body.
func formatAlertMessage(ev types.AlertEvent) string {
	return fmt.Sprintf(`TIDEWATCH DEVIATION ALERT
=========================
A reading exceeded the configured deviation threshold.

Date:       %s
Deviation:  %s
Threshold:  %s
Mean value: %s
Batch:      %s
Raised at:  %s
`,
		ev.Date,
		ev.Deviation.String(),
		ev.Threshold.String(),
		ev.Value.String(),
		ev.BatchID,
		ev.RaisedAt.Format(time.RFC3339),
	)
}
