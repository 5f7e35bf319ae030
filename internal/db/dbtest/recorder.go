// Package dbtest provides a recording fake of db.API for store tests.
package dbtest

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Recorder records every call and answers with the configured hooks. Calls
// without a hook succeed with an empty output.
type Recorder struct {
	mu sync.Mutex

	Gets     []*dynamodb.GetItemInput
	Puts     []*dynamodb.PutItemInput
	Updates  []*dynamodb.UpdateItemInput
	Deletes  []*dynamodb.DeleteItemInput
	Queries  []*dynamodb.QueryInput
	Batches  []*dynamodb.BatchWriteItemInput
	Transact []*dynamodb.TransactWriteItemsInput

	OnGet      func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	OnPut      func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	OnUpdate   func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	OnDelete   func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	OnQuery    func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	OnBatch    func(*dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
	OnTransact func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
}

// Calls returns the total number of recorded calls.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Gets) + len(r.Puts) + len(r.Updates) + len(r.Deletes) + len(r.Queries) + len(r.Batches) + len(r.Transact)
}

// Writes returns the number of recorded mutating calls.
func (r *Recorder) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Puts) + len(r.Updates) + len(r.Deletes) + len(r.Batches) + len(r.Transact)
}

func (r *Recorder) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	r.mu.Lock()
	r.Gets = append(r.Gets, in)
	r.mu.Unlock()
	if r.OnGet != nil {
		return r.OnGet(in)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (r *Recorder) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	r.mu.Lock()
	r.Puts = append(r.Puts, in)
	r.mu.Unlock()
	if r.OnPut != nil {
		return r.OnPut(in)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (r *Recorder) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	r.mu.Lock()
	r.Updates = append(r.Updates, in)
	r.mu.Unlock()
	if r.OnUpdate != nil {
		return r.OnUpdate(in)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (r *Recorder) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	r.mu.Lock()
	r.Deletes = append(r.Deletes, in)
	r.mu.Unlock()
	if r.OnDelete != nil {
		return r.OnDelete(in)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (r *Recorder) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	r.mu.Lock()
	r.Queries = append(r.Queries, in)
	r.mu.Unlock()
	if r.OnQuery != nil {
		return r.OnQuery(in)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (r *Recorder) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	r.mu.Lock()
	r.Batches = append(r.Batches, in)
	r.mu.Unlock()
	if r.OnBatch != nil {
		return r.OnBatch(in)
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (r *Recorder) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	r.mu.Lock()
	r.Transact = append(r.Transact, in)
	r.mu.Unlock()
	if r.OnTransact != nil {
		return r.OnTransact(in)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Cancelled builds the error DynamoDB returns when a transaction is cancelled,
// with one cancellation reason code per item ("None" for items that passed).
func Cancelled(codes ...string) *types.TransactionCanceledException {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}
