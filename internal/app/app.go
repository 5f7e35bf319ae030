// Package app assembles the shared runtime of every Lambda entrypoint.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"chatpop/internal/config"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/resilience"
	"chatpop/internal/security"
	"chatpop/internal/shopify"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Runtime is built once per cold start and shared by warm invocations.
type Runtime struct {
	AWS    aws.Config
	Config *config.Config
	Log    *logger.Logger
	DB     *dynamodb.Client
	Stage  string

	shopify *shopify.Client
}

// New loads AWS credentials, application config (resolving SSM secrets) and
// the logger. name is attached to every log line as "fn".
func New(ctx context.Context, name string) (*Runtime, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	cfg, err := config.Load(ctx, ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	stage := strings.TrimSpace(os.Getenv("STAGE"))
	if stage == "" {
		stage = "dev"
	}
	return &Runtime{
		AWS:    awsCfg,
		Config: cfg,
		Log:    log.With("fn", name, "stage", stage),
		DB:     db.NewDynamoClient(awsCfg),
		Stage:  stage,
	}, nil
}

// ShopifyClient returns the process-wide Admin API client, so every caller
// shares the same per-shop breakers.
func (r *Runtime) ShopifyClient() *shopify.Client {
	if r.shopify != nil {
		return r.shopify
	}
	c := r.Config
	r.shopify = shopify.NewClient(shopify.ClientOptions{
		APIVersion: c.Shopify.APIVersion,
		Timeout:    c.Shopify.HTTPTimeout,
		Breakers: resilience.NewBreakers(resilience.BreakerOptions{
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout,
		}),
	})
	return r.shopify
}

// Integrations returns the encrypted Shopify token store.
func (r *Runtime) Integrations() (*shopify.IntegrationStore, error) {
	if strings.TrimSpace(r.Config.TokenEncKeyB64) == "" {
		return nil, fmt.Errorf("TOKEN_ENC_KEY_B64 not set")
	}
	sealer, err := security.NewSealerFromBase64(r.Config.TokenEncKeyB64)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	return shopify.NewIntegrationStore(r.DB, db.IntegrationsTableName(), sealer), nil
}
