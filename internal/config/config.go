// Package config defines the global configuration structure for the TideWatch
// platform. Configuration is loaded once at process initialization (Lambda
// Cold Start or server startup) and is immutable thereafter. It follows
// 12-Factor App principles by strictly separating code from configuration:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format fails the process immediately
// on startup (fail fast).
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"dev" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tidewatch"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Ingest   IngestConfig
}

// ServerConfig holds HTTP server settings for the read API.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// RawDataBucket is the S3 bucket raw reading CSVs are uploaded to.
	// The ingestor validates trigger events against it.
	RawDataBucket string `envconfig:"RAW_DATA_BUCKET"`
	// AlertQueueURL is the SQS queue alert events are published to.
	AlertQueueURL string `envconfig:"SQS_ALERT_QUEUE"`
	// AlertTopicARN is the SNS topic the alert worker delivers to.
	AlertTopicARN string `envconfig:"SNS_ALERT_TOPIC"`

	// MetricNamespace is the CloudWatch namespace for ingest telemetry.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"TideWatch/Ingest"`

	// EndpointURL overrides the AWS endpoint for LocalStack. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmptyPeriodPolicy selects what happens to a persisted aggregate whose
// period has no surviving readings at recompute time.
type EmptyPeriodPolicy string

const (
	// EmptyPeriodKeep leaves the previous aggregate in place and logs.
	EmptyPeriodKeep EmptyPeriodPolicy = "keep"
	// EmptyPeriodDelete removes the stale aggregate record.
	EmptyPeriodDelete EmptyPeriodPolicy = "delete"
)

// IngestConfig holds the tunables of the aggregation engine.
type IngestConfig struct {
	// DeviationThreshold is the strict upper bound for a reading's deviation;
	// any reading strictly above it raises an alert.
	DeviationThreshold decimal.Decimal `envconfig:"DEVIATION_THRESHOLD" default:"0.5"`

	// AdjustmentDays is the day-of-month adjustment threshold k: a date with
	// day <= k belongs to the previous calendar period. 0 disables the rule.
	AdjustmentDays int `envconfig:"PERIOD_ADJUSTMENT_DAYS" default:"3" validate:"min=0,max=27"`

	// DateFormats is the ordered list of accepted date layouts, tried in
	// order during normalization.
	DateFormats []string `envconfig:"DATE_FORMATS" default:"2006/01/02,2006-01-02"`

	// EmptyPeriodPolicy controls handling of aggregates whose period lost
	// all members. See EmptyPeriodPolicy.
	EmptyPeriodPolicy EmptyPeriodPolicy `envconfig:"EMPTY_PERIOD_POLICY" default:"keep" validate:"oneof=keep delete"`
}
