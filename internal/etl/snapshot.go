// Package etl exports customer analytics to S3 as parquet and keeps the
// Athena table's partitions in sync.
package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatpop/internal/attribution"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// SnapshotRow matches the Glue table columns. Partition columns (dt,
// agent_id) live in the object key.
type SnapshotRow struct {
	CustomerID         string  `parquet:"name=customer_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Email              string  `parquet:"name=email, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalOrders        int64   `parquet:"name=total_orders, type=INT64"`
	TotalSpent         float64 `parquet:"name=total_spent, type=DOUBLE"`
	AverageOrderValue  float64 `parquet:"name=average_order_value, type=DOUBLE"`
	DaysSinceLastOrder *int64  `parquet:"name=days_since_last_order, type=INT64, repetitiontype=OPTIONAL"`
	Segment            string  `parquet:"name=segment, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	LastOrderAt        string  `parquet:"name=last_order_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ComputedAt         string  `parquet:"name=computed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toSnapshotRow(a attribution.CustomerAnalytics) SnapshotRow {
	row := SnapshotRow{
		CustomerID:        a.CustomerID,
		Email:             a.Email,
		TotalOrders:       int64(a.TotalOrders),
		TotalSpent:        a.TotalSpent,
		AverageOrderValue: a.AverageOrderValue,
		Segment:           string(a.Segment),
		LastOrderAt:       a.LastOrderAt,
		ComputedAt:        a.ComputedAt,
	}
	if a.DaysSinceLastOrder != nil {
		d := int64(*a.DaysSinceLastOrder)
		row.DaysSinceLastOrder = &d
	}
	return row
}

type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotExporter writes one parquet object per aggregation run under
// <prefix>dt=YYYY-MM-DD/agent_id=<agent>/part-<rand>.parquet.
type SnapshotExporter struct {
	s3     S3API
	bucket string
	prefix string
	tmpDir string
}

func NewSnapshotExporter(client S3API, bucket, prefix string) *SnapshotExporter {
	if strings.TrimSpace(prefix) == "" {
		prefix = "customer_analytics/"
	}
	return &SnapshotExporter{s3: client, bucket: strings.TrimSpace(bucket), prefix: ensureTrailingSlash(prefix), tmpDir: os.TempDir()}
}

func (e *SnapshotExporter) Key(agentID string, at time.Time) string {
	return fmt.Sprintf("%sdt=%s/agent_id=%s/part-%s.parquet",
		e.prefix,
		at.UTC().Format("2006-01-02"),
		agentID,
		randHex(8),
	)
}

func (e *SnapshotExporter) Export(ctx context.Context, agentID string, at time.Time, rows []attribution.CustomerAnalytics) (string, error) {
	if e.bucket == "" {
		return "", fmt.Errorf("missing env ANALYTICS_BUCKET")
	}
	data, err := e.encode(rows)
	if err != nil {
		return "", err
	}

	key := e.Key(agentID, at)
	_, err = e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("s3 putobject failed: %w", err)
	}
	return key, nil
}

// encode writes rows through a temp file; Lambda only allows writes under /tmp.
func (e *SnapshotExporter) encode(rows []attribution.CustomerAnalytics) ([]byte, error) {
	localPath := filepath.Join(e.tmpDir, "clv_snapshot_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(SnapshotRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // uncompressed

	for _, r := range rows {
		if err := pw.Write(toSnapshotRow(r)); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row %s: %w", r.CustomerID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
