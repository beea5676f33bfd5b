// Package main is the entrypoint for the Ingestor Lambda function.
//
// The Ingestor is triggered by S3 ObjectCreated events (filtered to *.csv and
// *.csv.gz) when a new batch of raw readings lands in the raw data bucket.
// Each uploaded object is one batch: its rows are normalized, merged into the
// canonical reading store (last write per date wins), the touched periods are
// re-aggregated from scratch, cross-period differentials resolved, and any
// deviation exceedances published to the alert queue.
//
// This file handles dependency wiring (Cold Start) and delegates all business
// logic to the internal/ingest package.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"tidewatch/internal/config"
	"tidewatch/internal/db"
	"tidewatch/internal/ingest"
	"tidewatch/internal/notify"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("ingestor initializing (cold start)",
		"environment", cfg.Environment,
		"raw_bucket", cfg.AWS.RawDataBucket,
		"alert_queue", cfg.AWS.AlertQueueURL,
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	endpoint := cfg.AWS.EndpointURL
	s3Client := s3.NewFromConfig(awsCfg, s3Options(endpoint))
	sqsClient := sqs.NewFromConfig(awsCfg, sqsOptions(endpoint))
	cwClient := cloudwatch.NewFromConfig(awsCfg, cloudwatchOptions(endpoint))

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	store := db.NewStore(pool)

	processor := ingest.NewProcessor(
		cfg.Ingest,
		store,
		notify.NewAlertQueuePublisher(sqsClient, cfg.AWS.AlertQueueURL, logger),
		notify.NewIngestMetrics(cwClient, cfg.AWS.MetricNamespace, logger),
		logger,
	)
	handler := &ingest.Handler{
		Processor: processor,
		Source:    ingest.NewS3BatchSource(s3Client, cfg.AWS.RawDataBucket),
		Bucket:    cfg.AWS.RawDataBucket,
		Log:       logger,
	}

	logger.Info("ingestor initialized",
		"deviation_threshold", cfg.Ingest.DeviationThreshold.String(),
		"adjustment_days", cfg.Ingest.AdjustmentDays,
	)

	// Local mode: read a JSON event from stdin instead of starting the Lambda
	// runtime, enabling local testing without the AWS Lambda RIE.
	if cfg.Environment == "local" {
		payload, err := io.ReadAll(os.Stdin)
		if err != nil || len(payload) == 0 {
			logger.Error("local mode requires an event on stdin", "error", err)
			os.Exit(1)
		}
		if err := handler.Handle(ctx, payload); err != nil {
			logger.Error("event processing failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// s3Options points the S3 client at a local endpoint override when one is
// configured. Path style is required because LocalStack does not resolve
// virtual-hosted bucket names.
func s3Options(endpoint string) func(*s3.Options) {
	return func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}
}

// sqsOptions applies the local endpoint override to the SQS client.
func sqsOptions(endpoint string) func(*sqs.Options) {
	return func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}
}

// cloudwatchOptions applies the local endpoint override to the CloudWatch
// client, so local runs do not emit metrics to real AWS.
func cloudwatchOptions(endpoint string) func(*cloudwatch.Options) {
	return func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}
}

// newLogger creates the process-wide JSON structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
