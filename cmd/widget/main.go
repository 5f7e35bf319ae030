package main

import (
	"context"
	"log"

	"chatpop/internal/app"
	"chatpop/internal/behavior"
	"chatpop/internal/carts"
	"chatpop/internal/db"
	"chatpop/internal/handlers"
	"chatpop/internal/resilience"
	"chatpop/internal/suggestions"
	"chatpop/internal/triggers"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "widget")
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := db.Require(map[string]string{
		"SESSIONS_TABLE":       db.SessionsTableName(),
		"EVENTS_TABLE":         db.EventsTableName(),
		"CARTS_TABLE":          db.CartsTableName(),
		"SUGGESTIONS_TABLE":    db.SuggestionsTableName(),
		"TRIGGER_CONFIG_TABLE": db.TriggerConfigTableName(),
	}); err != nil {
		rt.Log.Fatal("missing table config", "error", err)
	}

	sugg := suggestions.NewStore(rt.DB, db.SuggestionsTableName()).WithSessions(db.SessionsTableName())
	configs := triggers.NewStore(rt.DB, db.TriggerConfigTableName())
	cartStore := carts.NewStore(rt.DB, db.CartsTableName(), sugg)

	collector := behavior.NewCollector(
		behavior.NewStore(rt.DB, db.SessionsTableName(), db.EventsTableName()),
		configs, sugg, cartStore, rt.Log,
	)
	w := handlers.NewWidget(collector, carts.NewService(cartStore, rt.Log), sugg, configs, limiter(rt), rt.Log)
	lambda.Start(w.Handle)
}

// limiter prefers Redis, then the DynamoDB table, then per-instance memory.
func limiter(rt *app.Runtime) resilience.Limiter {
	opts := resilience.LimitOptions{
		Max:    rt.Config.Widget.RateLimitMax,
		Window: rt.Config.Widget.RateLimitWindow,
	}
	if rt.Config.RedisURL != "" {
		ro, err := redis.ParseURL(rt.Config.RedisURL)
		if err == nil {
			rt.Log.Info("rate limiter", "backend", "redis")
			return resilience.NewRedisLimiter(redis.NewClient(ro), "chatpop:rl:", opts)
		}
		rt.Log.Warn("invalid REDIS_URL, falling back", "error", err)
	}
	if t := db.RateLimitTableName(); t != "" {
		rt.Log.Info("rate limiter", "backend", "dynamodb")
		return resilience.NewDynamoLimiter(rt.DB, t, opts)
	}
	rt.Log.Info("rate limiter", "backend", "memory")
	return resilience.NewMemoryLimiter(opts)
}
