package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
)

type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

type GlueAPI interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
}

// ErrTableMissing means the Glue catalog has no snapshot table to repair.
var ErrTableMissing = errors.New("glue table not found")

type RepairOptions struct {
	GlueDatabase string
	Database     string
	Table        string
	Workgroup    string
	Output       string // s3://bucket/prefix/
	PollInterval time.Duration
	Timeout      time.Duration
}

type RepairResult struct {
	Ok        bool   `json:"ok"`
	QueryID   string `json:"query_id,omitempty"`
	State     string `json:"state,omitempty"`
	Database  string `json:"database,omitempty"`
	Table     string `json:"table,omitempty"`
	Workgroup string `json:"workgroup,omitempty"`
	Output    string `json:"output,omitempty"`
}

// PartitionRepairer runs MSCK REPAIR TABLE so new dt=/agent_id= snapshot
// partitions become queryable.
type PartitionRepairer struct {
	athena AthenaAPI
	glue   GlueAPI
	opts   RepairOptions
	log    *logger.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewPartitionRepairer(ath AthenaAPI, gl GlueAPI, opts RepairOptions, log *logger.Logger) (*PartitionRepairer, error) {
	if opts.Database == "" || opts.Table == "" || opts.Output == "" {
		return nil, fmt.Errorf("missing env: ATHENA_DATABASE, ATHENA_TABLE, ATHENA_OUTPUT are required")
	}
	if !strings.HasPrefix(opts.Output, "s3://") {
		return nil, fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}
	if opts.Workgroup == "" {
		opts.Workgroup = "primary"
	}
	if opts.GlueDatabase == "" {
		opts.GlueDatabase = opts.Database
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PartitionRepairer{athena: ath, glue: gl, opts: opts, log: log, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *PartitionRepairer) Repair(ctx context.Context) (RepairResult, error) {
	o := r.opts
	res := RepairResult{Database: o.Database, Table: o.Table, Workgroup: o.Workgroup, Output: o.Output}

	if r.glue != nil {
		_, err := r.glue.GetTable(ctx, &glue.GetTableInput{
			DatabaseName: aws.String(o.GlueDatabase),
			Name:         aws.String(o.Table),
		})
		var nf *gluetypes.EntityNotFoundException
		if errors.As(err, &nf) {
			return res, fmt.Errorf("%w: %s.%s", ErrTableMissing, o.GlueDatabase, o.Table)
		}
		if err != nil {
			return res, fmt.Errorf("GetTable: %w", err)
		}
	}

	startOut, err := r.athena.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(fmt.Sprintf("MSCK REPAIR TABLE %s;", o.Table)),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(o.Database),
		},
		WorkGroup: aws.String(o.Workgroup),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(o.Output),
		},
	})
	if err != nil {
		return res, fmt.Errorf("StartQueryExecution: %w", err)
	}
	res.QueryID = aws.ToString(startOut.QueryExecutionId)
	r.log.Info("partition repair started", "query_id", res.QueryID, "database", o.Database, "table", o.Table, "workgroup", o.Workgroup)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		st, err := r.athena.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(res.QueryID),
		})
		if err != nil {
			return res, fmt.Errorf("GetQueryExecution: %w", err)
		}
		state := st.QueryExecution.Status.State
		res.State = string(state)
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			res.Ok = true
			r.log.Info("partition repair succeeded", "query_id", res.QueryID)
			return res, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return res, fmt.Errorf("repair %s: %s", state, aws.ToString(st.QueryExecution.Status.StateChangeReason))
		}
		if err := r.sleep(ctx, o.PollInterval); err != nil {
			return res, err
		}
	}

	res.State = "TIMEOUT"
	return res, fmt.Errorf("repair timed out waiting for qid=%s", res.QueryID)
}
