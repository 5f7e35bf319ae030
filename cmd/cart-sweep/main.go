package main

import (
	"context"
	"log"
	"time"

	"chatpop/internal/alerts"
	"chatpop/internal/app"
	"chatpop/internal/carts"
	"chatpop/internal/db"
	"chatpop/internal/suggestions"
	"chatpop/internal/tenancy"
	"chatpop/internal/triggers"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "cart-sweep")
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := db.Require(map[string]string{
		"CARTS_TABLE":          db.CartsTableName(),
		"SESSIONS_TABLE":       db.SessionsTableName(),
		"SUGGESTIONS_TABLE":    db.SuggestionsTableName(),
		"TRIGGER_CONFIG_TABLE": db.TriggerConfigTableName(),
		"AGENTS_TABLE":         db.AgentsTableName(),
	}); err != nil {
		rt.Log.Fatal("missing table config", "error", err)
	}

	sugg := suggestions.NewStore(rt.DB, db.SuggestionsTableName()).WithSessions(db.SessionsTableName())
	notifier := alerts.NewNotifier(sns.NewFromConfig(rt.AWS), tenancy.NewDirectory(rt.DB, db.AgentsTableName()), rt.Stage)
	detector := carts.NewDetector(
		carts.NewStore(rt.DB, db.CartsTableName(), sugg),
		triggers.NewStore(rt.DB, db.TriggerConfigTableName()),
		notifier,
		carts.Options{
			Threshold: rt.Config.Carts.AbandonThreshold,
			Cooldown:  rt.Config.Carts.RecoveryCooldown,
			Batch:     rt.Config.Carts.SweepBatch,
		},
		rt.Log,
	)

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (carts.SweepResult, error) {
		return detector.Sweep(ctx, time.Now())
	})
}
