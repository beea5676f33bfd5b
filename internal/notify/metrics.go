package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tidewatch/internal/types"
)

// CloudWatchAPI abstracts the PutMetricData operation for testability.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// IngestMetrics publishes per-batch telemetry to CloudWatch. It implements
// ingest.MetricPublisher. Metric emission is best-effort; the processor logs
// failures and keeps going.
type IngestMetrics struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger
}

// NewIngestMetrics creates an IngestMetrics publisher in the given namespace.
func NewIngestMetrics(client CloudWatchAPI, namespace string, logger *slog.Logger) *IngestMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestMetrics{client: client, namespace: namespace, logger: logger}
}

// PublishBatchStats emits the batch counters as a single PutMetricData call.
func (m *IngestMetrics) PublishBatchStats(ctx context.Context, report types.BatchReport) error {
	now := time.Now().UTC()
	datum := func(name string, value int) cwTypes.MetricDatum {
		return cwTypes.MetricDatum{
			MetricName: aws.String(name),
			Timestamp:  aws.Time(now),
			Unit:       cwTypes.StandardUnitCount,
			Value:      aws.Float64(float64(value)),
		}
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwTypes.MetricDatum{
			datum("RowsProcessed", report.RowsTotal),
			datum("RowsSkipped", report.RowsSkipped),
			datum("DuplicatesOverwritten", report.DuplicatesOverwritten),
			datum("PeriodsUpdated", report.PeriodsUpdated),
			datum("PeriodsFailed", report.PeriodsFailed),
			datum("AlertsRaised", report.AlertsRaised),
		},
	})
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "batch metrics published",
		"batch_id", report.BatchID,
		"namespace", m.namespace,
	)
	return nil
}
