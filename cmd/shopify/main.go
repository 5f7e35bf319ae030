package main

import (
	"context"
	"log"

	"chatpop/internal/alerts"
	"chatpop/internal/app"
	"chatpop/internal/attribution"
	"chatpop/internal/carts"
	"chatpop/internal/db"
	"chatpop/internal/handlers"
	"chatpop/internal/suggestions"
	"chatpop/internal/tenancy"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "shopify")
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := db.Require(map[string]string{
		"AGENTS_TABLE":       db.AgentsTableName(),
		"INTEGRATIONS_TABLE": db.IntegrationsTableName(),
		"OAUTH_STATE_TABLE":  db.OAuthStateTableName(),
		"CARTS_TABLE":        db.CartsTableName(),
		"SUGGESTIONS_TABLE":  db.SuggestionsTableName(),
	}); err != nil {
		rt.Log.Fatal("missing table config", "error", err)
	}
	if db.WebhookDedupeTableName() == "" {
		rt.Log.Warn("SHOPIFY_WEBHOOK_DEDUPE_TABLE not set, duplicate deliveries will be reprocessed")
	}

	integrations, err := rt.Integrations()
	if err != nil {
		rt.Log.Fatal("integrations", "error", err)
	}
	an, err := rt.Analytics(integrations)
	if err != nil {
		rt.Log.Fatal("analytics", "error", err)
	}

	agents := tenancy.NewDirectory(rt.DB, db.AgentsTableName())
	cartStore := carts.NewStore(rt.DB, db.CartsTableName(), suggestions.NewStore(rt.DB, db.SuggestionsTableName()))

	h := handlers.NewShopify(handlers.ShopifyDeps{
		Config:       rt.Config.Shopify,
		FrontendURL:  rt.Config.FrontendBaseURL,
		Client:       rt.ShopifyClient(),
		DB:           rt.DB,
		StateTable:   db.OAuthStateTableName(),
		DedupeTable:  db.WebhookDedupeTableName(),
		Agents:       agents,
		Integrations: integrations,
		Orders:       attribution.NewTracker(an.Store, cartStore, rt.Log),
		Carts:        cartStore,
		Alerts:       alerts.NewNotifier(sns.NewFromConfig(rt.AWS), agents, rt.Stage),
		Log:          rt.Log,
	})
	lambda.Start(h.Handle)
}
