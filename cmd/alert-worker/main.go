// Package main is the entrypoint for the Alert Worker Lambda function.
//
// The Alert Worker consumes alert events from the alert SQS queue and
// delivers them as formatted notifications to the SNS alert topic. Lambda's
// SQS integration uses partial batch responses: messages that fail delivery
// are returned in batchItemFailures so SQS redelivers only those. Malformed
// messages are dropped rather than retried, since they will never become
// valid.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"tidewatch/internal/config"
	"tidewatch/internal/notify"
	"tidewatch/internal/types"
)

// Handler holds the dependencies for the alert worker.
type Handler struct {
	topic  *notify.AlertTopic
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more alert events. Each
// message is processed independently; a delivery failure marks only that
// message for redelivery.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var response events.SQSEventResponse

	for _, record := range sqsEvent.Records {
		var ev types.AlertEvent
		if err := json.Unmarshal([]byte(record.Body), &ev); err != nil {
			h.logger.ErrorContext(ctx, "malformed alert event dropped",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}

		if err := h.topic.Deliver(ctx, ev); err != nil {
			h.logger.ErrorContext(ctx, "alert delivery failed, scheduling redelivery",
				"message_id", record.MessageId,
				"alert_id", ev.ID,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	return response, nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("alert worker initializing (cold start)",
		"environment", cfg.Environment,
		"alert_topic", cfg.AWS.AlertTopicARN,
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	handler := &Handler{
		topic:  notify.NewAlertTopic(snsClient, cfg.AWS.AlertTopicARN, logger),
		logger: logger,
	}

	lambda.Start(handler.Handle)
}

// newLogger creates the process-wide JSON structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
