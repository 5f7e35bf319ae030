package main

import (
	"context"
	"log"

	"chatpop/internal/app"
	"chatpop/internal/db"
	"chatpop/internal/handlers"
	"chatpop/internal/tenancy"
	"chatpop/internal/triggers"

	"github.com/aws/aws-lambda-go/lambda"
)

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "dashboard")
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := db.Require(map[string]string{
		"AGENTS_TABLE":         db.AgentsTableName(),
		"TRIGGER_CONFIG_TABLE": db.TriggerConfigTableName(),
		"INTEGRATIONS_TABLE":   db.IntegrationsTableName(),
	}); err != nil {
		rt.Log.Fatal("missing table config", "error", err)
	}

	integrations, err := rt.Integrations()
	if err != nil {
		rt.Log.Fatal("integrations", "error", err)
	}
	an, err := rt.Analytics(integrations)
	if err != nil {
		rt.Log.Fatal("analytics", "error", err)
	}

	d := handlers.NewDashboard(
		tenancy.NewDirectory(rt.DB, db.AgentsTableName()),
		triggers.NewStore(rt.DB, db.TriggerConfigTableName()),
		an.Store,
		an.Reconciler,
		an.Aggregator,
		rt.Log,
	)
	lambda.Start(d.Handle)
}
