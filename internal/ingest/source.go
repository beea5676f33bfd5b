package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"tidewatch/internal/types"
)

// BatchSource materializes one batch of raw rows from an opaque key. The
// engine never sees partial batches; a source either delivers the full row
// sequence or an error.
type BatchSource interface {
	FetchRows(ctx context.Context, key string) ([]Row, error)
}

// S3GetClient abstracts the S3 GetObject operation for testability.
type S3GetClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3BatchSource fetches CSV batch objects from the raw data bucket. Objects
// with a .gz suffix are transparently decompressed. Header names are
// lowercased and trimmed so the normalizer sees canonical column names
// regardless of the producer's casing.
type S3BatchSource struct {
	client S3GetClient
	bucket string
}

// NewS3BatchSource creates a batch source reading from the given bucket.
func NewS3BatchSource(client S3GetClient, bucket string) *S3BatchSource {
	return &S3BatchSource{client: client, bucket: bucket}
}

// FetchRows downloads the object and tokenizes it into raw rows. Ragged CSV
// lines are tolerated (FieldsPerRecord is not enforced); short lines simply
// produce rows with missing fields, which the normalizer rejects per row.
func (s *S3BatchSource) FetchRows(ctx context.Context, key string) ([]Row, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamObjectStore,
			fmt.Sprintf("failed to get object %s/%s", s.bucket, key), err)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if strings.HasSuffix(strings.ToLower(key), ".gz") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamObjectStore,
				fmt.Sprintf("failed to open gzip stream for %s", key), err)
		}
		defer gz.Close()
		body = gz
	}

	return ParseCSV(body)
}

// ParseCSV tokenizes a CSV stream with a header line into raw rows keyed by
// canonical (lowercased, trimmed) column names. Unreadable records are
// skipped; the normalizer accounts for content-level problems per row.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var rows []Row
	line := 1 // header was line 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// Malformed quoting etc.; treat as a missing-field row so the
			// batch keeps going and the skip is attributable to a line.
			rows = append(rows, Row{Line: line, Fields: map[string]string{}})
			continue
		}
		fields := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				fields[name] = record[i]
			}
		}
		rows = append(rows, Row{Line: line, Fields: fields})
	}
	return rows, nil
}
