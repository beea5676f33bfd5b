package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"tidewatch/internal/types"
)

// maxConcurrentBatches bounds how many uploaded objects from a single S3
// event are processed at once. Correctness does not depend on this: batches
// touching the same period serialize on the store's per-period exclusive
// scope, so only disjoint periods actually run in parallel.
const maxConcurrentBatches = 4

// ReprocessRequest is the manual invocation payload for re-running a batch
// that already sits in the raw bucket, or for re-aggregating a single period
// from the stored readings alone (after PERIOD_ADJUSTMENT_DAYS changes, the
// shifted windows need re-aggregation and emptied periods need their policy
// applied). Exactly one of the fields must be set.
type ReprocessRequest struct {
	Key    string `json:"key"`
	Period string `json:"period"`
}

// Handler is the Lambda-facing entrypoint for the ingestor. It parses the
// trigger payload, validates the bucket, fetches the batch rows, and hands
// them to the Processor. Each uploaded object is one batch; its S3 key is the
// batch identifier.
type Handler struct {
	Processor *Processor
	Source    BatchSource
	Bucket    string
	Log       *slog.Logger
}

// Handle accepts either a standard S3 ObjectCreated event or a manual
// ReprocessRequest JSON payload.
//
// For S3 events, records from buckets other than the configured raw data
// bucket are logged and discarded rather than retried: an invalid input will
// not become valid on redelivery.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var s3Event events.S3Event
	if err := json.Unmarshal(payload, &s3Event); err == nil && len(s3Event.Records) > 0 {
		return h.handleS3Event(ctx, s3Event)
	}

	// S3 sends an s3:TestEvent when a bucket notification is configured.
	// It is benign; erroring would make Lambda retry it until the DLQ.
	var probe struct {
		Event string `json:"Event"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Event == "s3:TestEvent" {
		h.Log.InfoContext(ctx, "bucket notification test event ignored")
		return nil
	}

	var req ReprocessRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return types.NewAppError(types.ErrCodeIngestBadEvent,
			"payload is neither an S3 event nor a reprocess request", err)
	}

	switch {
	case req.Key != "" && req.Period != "":
		return types.NewAppError(types.ErrCodeIngestBadEvent,
			"reprocess request must set either 'key' or 'period', not both", nil)
	case req.Key != "":
		h.Log.InfoContext(ctx, "processing manual reprocess request", "key", req.Key)
		return h.processObject(ctx, req.Key)
	case req.Period != "":
		key, err := types.ParsePeriodKey(req.Period)
		if err != nil {
			return types.NewAppError(types.ErrCodeIngestBadEvent,
				"reprocess request has an invalid 'period'", err)
		}
		h.Log.InfoContext(ctx, "re-aggregating period from stored readings", "period", key.String())
		return h.Processor.RecomputePeriod(ctx, key)
	default:
		return types.NewAppError(types.ErrCodeIngestBadEvent,
			"reprocess request missing required field 'key' or 'period'", nil)
	}
}

// handleS3Event processes every record of the event. Records are independent
// batches, so one failing object does not block the others; the first error
// is returned after all records finish so Lambda can retry the event.
func (h *Handler) handleS3Event(ctx context.Context, s3Event events.S3Event) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	for _, record := range s3Event.Records {
		bucket := record.S3.Bucket.Name
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}

		if bucket != h.Bucket {
			h.Log.ErrorContext(ctx, "event for unexpected bucket discarded",
				"bucket", bucket,
				"expected", h.Bucket,
				"key", key,
			)
			continue
		}
		if !isBatchObject(key) {
			h.Log.InfoContext(ctx, "non-batch object ignored", "key", key)
			continue
		}

		g.Go(func() error {
			return h.processObject(ctx, key)
		})
	}

	return g.Wait()
}

// processObject runs one object through the engine as a single batch.
func (h *Handler) processObject(ctx context.Context, key string) error {
	rows, err := h.Source.FetchRows(ctx, key)
	if err != nil {
		return fmt.Errorf("ingest: fetching batch %q: %w", key, err)
	}

	if _, err := h.Processor.ProcessBatch(ctx, key, rows); err != nil {
		return fmt.Errorf("ingest: processing batch %q: %w", key, err)
	}
	return nil
}

// isBatchObject reports whether the key looks like a raw reading batch.
func isBatchObject(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, ".csv") || strings.HasSuffix(k, ".csv.gz")
}
