package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatpop/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type LimitOptions struct {
	Max    int
	Window time.Duration
}

func (o LimitOptions) normalized() LimitOptions {
	if o.Max <= 0 {
		o.Max = 60
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	return o
}

// MemoryLimiter is a fixed-window counter held in process memory. It is best
// effort: counters reset on restart and are not shared between instances.
type MemoryLimiter struct {
	opts LimitOptions
	now  func() time.Time

	mu      sync.Mutex
	windows *cache.Cache
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(opts LimitOptions) *MemoryLimiter {
	opts = opts.normalized()
	return &MemoryLimiter{
		opts: opts,
		now:  time.Now,
		// janitor drops expired windows so idle keys do not accumulate
		windows: cache.New(opts.Window, 5*opts.Window),
	}
}

func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if x, found := l.windows.Get(key); found {
		w := x.(*window)
		if now.Before(w.resetAt) {
			if w.count >= l.opts.Max {
				return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
			}
			w.count++
			return Decision{Allowed: true, Remaining: l.opts.Max - w.count, ResetAt: w.resetAt}, nil
		}
	}

	w := &window{count: 1, resetAt: now.Add(l.opts.Window)}
	l.windows.Set(key, w, l.opts.Window)
	return Decision{Allowed: true, Remaining: l.opts.Max - 1, ResetAt: w.resetAt}, nil
}

// DynamoLimiter persists one row per admitted request and counts the rows in
// the trailing window, so every instance sees the same totals.
type DynamoLimiter struct {
	ddb   db.API
	table string
	opts  LimitOptions
	now   func() time.Time
}

// sortable, fixed-width timestamp for the SK
const rowTimeLayout = "2006-01-02T15:04:05.000000000Z"

func NewDynamoLimiter(ddb db.API, table string, opts LimitOptions) *DynamoLimiter {
	return &DynamoLimiter{ddb: ddb, table: table, opts: opts.normalized(), now: time.Now}
}

func (l *DynamoLimiter) WithClock(now func() time.Time) *DynamoLimiter {
	l.now = now
	return l
}

func (l *DynamoLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UTC()
	pk := "RL#" + key
	from := now.Add(-l.opts.Window).Format(rowTimeLayout)

	count, err := l.countSince(ctx, pk, from)
	if err != nil {
		return Decision{}, err
	}

	if count >= l.opts.Max {
		resetAt := now.Add(l.opts.Window)
		if oldest, err := l.oldestSince(ctx, pk, from); err == nil && !oldest.IsZero() {
			resetAt = oldest.Add(l.opts.Window)
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	sk := now.Format(rowTimeLayout) + "#" + uuid.NewString()
	_, err = l.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: pk},
			"SK":        &types.AttributeValueMemberS{Value: sk},
			"ExpiresAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(2*l.opts.Window).Unix())},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit put: %w", err)
	}

	return Decision{Allowed: true, Remaining: l.opts.Max - count - 1, ResetAt: now.Add(l.opts.Window)}, nil
}

func (l *DynamoLimiter) countSince(ctx context.Context, pk, from string) (int, error) {
	total := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := l.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(l.table),
			KeyConditionExpression: aws.String("PK = :pk AND SK >= :from"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: pk},
				":from": &types.AttributeValueMemberS{Value: from},
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("rate limit count: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (l *DynamoLimiter) oldestSince(ctx context.Context, pk, from string) (time.Time, error) {
	out, err := l.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK >= :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: pk},
			":from": &types.AttributeValueMemberS{Value: from},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(1),
	})
	if err != nil || len(out.Items) == 0 {
		return time.Time{}, err
	}
	sk := db.AttrS(out.Items[0]["SK"])
	ts, _, _ := strings.Cut(sk, "#")
	return time.Parse(rowTimeLayout, ts)
}

// RedisLimiter keeps one counter per key and window in Redis.
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
	opts   LimitOptions
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.Cmdable, prefix string, opts LimitOptions) *RedisLimiter {
	if prefix == "" {
		prefix = "chatpop:rl:"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, opts: opts.normalized(), now: time.Now}
}

func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.opts.Window)
	resetAt := start.Add(l.opts.Window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpireAt(ctx, k, resetAt)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	n := int(incr.Val())
	if n > l.opts.Max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: l.opts.Max - n, ResetAt: resetAt}, nil
}
