package etl

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatpop/internal/attribution"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

type fakeS3 struct {
	key  string
	body []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	b, err := io.ReadAll(in.Body)
	f.body = b
	return &s3.PutObjectOutput{}, err
}

func TestSnapshotExport(t *testing.T) {
	client := &fakeS3{}
	e := NewSnapshotExporter(client, "bucket", "clv")
	e.tmpDir = t.TempDir()

	d := 12
	key, err := e.Export(context.Background(), "a1", time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC), []attribution.CustomerAnalytics{
		{CustomerID: "1", TotalOrders: 3, TotalSpent: 1200, AverageOrderValue: 400, DaysSinceLastOrder: &d, Segment: attribution.SegmentVIP},
		{CustomerID: "2", TotalOrders: 1, TotalSpent: 10, AverageOrderValue: 10, Segment: attribution.SegmentRegular},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "clv/dt=2026-05-04/agent_id=a1/part-"), key)
	assert.Equal(t, key, client.key)
	assert.True(t, bytes.HasPrefix(client.body, []byte("PAR1")))

	path := filepath.Join(t.TempDir(), "out.parquet")
	require.NoError(t, os.WriteFile(path, client.body, 0o600))
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(SnapshotRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(2), pr.GetNumRows())
	rows := make([]SnapshotRow, 2)
	require.NoError(t, pr.Read(&rows))
	assert.Equal(t, "vip", rows[0].Segment)
	require.NotNil(t, rows[0].DaysSinceLastOrder)
	assert.Equal(t, int64(12), *rows[0].DaysSinceLastOrder)
	assert.Nil(t, rows[1].DaysSinceLastOrder)

	entries, _ := os.ReadDir(e.tmpDir)
	assert.Empty(t, entries, "temp file removed")
}

func TestSnapshotExportRequiresBucket(t *testing.T) {
	_, err := NewSnapshotExporter(&fakeS3{}, "", "").Export(context.Background(), "a1", time.Now(), nil)
	assert.Error(t, err)
}

type fakeAthena struct {
	states []athenatypes.QueryExecutionState
	query  string
	polls  int
}

func (f *fakeAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.query = aws.ToString(in.QueryString)
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil
}

func (f *fakeAthena) GetQueryExecution(context.Context, *athena.GetQueryExecutionInput, ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	st := f.states[f.polls]
	f.polls++
	return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		Status: &athenatypes.QueryExecutionStatus{State: st, StateChangeReason: aws.String("bad partition")},
	}}, nil
}

type fakeGlue struct{ err error }

func (f fakeGlue) GetTable(context.Context, *glue.GetTableInput, ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	return &glue.GetTableOutput{}, f.err
}

func repairOpts() RepairOptions {
	return RepairOptions{Database: "chatpop", Table: "customer_analytics", Output: "s3://out/athena/", PollInterval: time.Millisecond}
}

func TestRepairPollsUntilSucceeded(t *testing.T) {
	ath := &fakeAthena{states: []athenatypes.QueryExecutionState{
		athenatypes.QueryExecutionStateQueued,
		athenatypes.QueryExecutionStateRunning,
		athenatypes.QueryExecutionStateSucceeded,
	}}
	r, err := NewPartitionRepairer(ath, fakeGlue{}, repairOpts(), nil)
	require.NoError(t, err)
	r.sleep = func(context.Context, time.Duration) error { return nil }

	res, err := r.Repair(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, "q-1", res.QueryID)
	assert.Equal(t, "primary", res.Workgroup)
	assert.Equal(t, "MSCK REPAIR TABLE customer_analytics;", ath.query)
	assert.Equal(t, 3, ath.polls)
}

func TestRepairFailedQuery(t *testing.T) {
	ath := &fakeAthena{states: []athenatypes.QueryExecutionState{athenatypes.QueryExecutionStateFailed}}
	r, err := NewPartitionRepairer(ath, fakeGlue{}, repairOpts(), nil)
	require.NoError(t, err)

	res, err := r.Repair(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad partition")
	assert.False(t, res.Ok)
}

func TestRepairGluePreflight(t *testing.T) {
	ath := &fakeAthena{}
	r, err := NewPartitionRepairer(ath, fakeGlue{err: &gluetypes.EntityNotFoundException{Message: aws.String("nope")}}, repairOpts(), nil)
	require.NoError(t, err)

	_, err = r.Repair(context.Background())
	assert.ErrorIs(t, err, ErrTableMissing)
	assert.Empty(t, ath.query, "athena not called")
}

func TestRepairOptionsValidated(t *testing.T) {
	_, err := NewPartitionRepairer(&fakeAthena{}, nil, RepairOptions{Database: "d", Table: "t", Output: "out/"}, nil)
	assert.Error(t, err)
}
