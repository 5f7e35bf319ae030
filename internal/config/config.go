package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
)

type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Config struct {
	LogMode string

	Shopify  ShopifyConfig
	Widget   WidgetConfig
	Carts    CartConfig
	Breaker  BreakerConfig
	Exports  ExportConfig
	RedisURL string

	TokenEncKeyB64  string
	FrontendBaseURL string
}

type ShopifyConfig struct {
	APIKey         string
	APISecret      string
	Scopes         string
	RedirectBase   string
	APIVersion     string
	WebhookAddress string
	HTTPTimeout    time.Duration
}

type WidgetConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type CartConfig struct {
	AbandonThreshold time.Duration
	RecoveryCooldown time.Duration
	SweepBatch       int
}

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

type ExportConfig struct {
	Bucket          string
	SnapshotPrefix  string
	GlueDatabase    string
	AthenaDatabase  string
	AthenaTable     string
	AthenaWorkgroup string
	AthenaOutput    string
}

// Load reads the environment (plus an optional .env for local runs) and
// resolves secrets from SSM Parameter Store when a *_SSM_PARAM variable is set.
// A nil ssmClient skips SSM resolution.
func Load(ctx context.Context, ssmClient SSMClient) (*Config, error) {
	_ = godotenv.Load()

	cfg := FromEnv()

	secrets := []struct {
		param string
		dst   *string
	}{
		{"SHOPIFY_API_SECRET_SSM_PARAM", &cfg.Shopify.APISecret},
		{"TOKEN_ENC_KEY_B64_SSM_PARAM", &cfg.TokenEncKeyB64},
	}
	for _, s := range secrets {
		name := strings.TrimSpace(os.Getenv(s.param))
		if name == "" || ssmClient == nil {
			continue
		}
		v, err := resolveParameter(ctx, ssmClient, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", s.param, err)
		}
		*s.dst = v
	}
	return cfg, nil
}

func FromEnv() *Config {
	return &Config{
		LogMode: envOr("LOG_MODE", "prod"),
		Shopify: ShopifyConfig{
			APIKey:         os.Getenv("SHOPIFY_API_KEY"),
			APISecret:      os.Getenv("SHOPIFY_API_SECRET"),
			Scopes:         strings.TrimSpace(os.Getenv("SHOPIFY_SCOPES")),
			RedirectBase:   strings.TrimRight(os.Getenv("SHOPIFY_REDIRECT_BASE"), "/"),
			APIVersion:     envOr("SHOPIFY_API_VERSION", "2026-01"),
			WebhookAddress: strings.TrimSpace(os.Getenv("SHOPIFY_WEBHOOK_ADDRESS")),
			HTTPTimeout:    envSeconds("SHOPIFY_HTTP_TIMEOUT_SECONDS", 30*time.Second),
		},
		Widget: WidgetConfig{
			RateLimitMax:    envInt("RATE_LIMIT_MAX", 120),
			RateLimitWindow: envSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		},
		Carts: CartConfig{
			AbandonThreshold: envMinutes("CART_ABANDON_THRESHOLD_MINUTES", 15*time.Minute),
			RecoveryCooldown: envMinutes("CART_RECOVERY_COOLDOWN_MINUTES", 60*time.Minute),
			SweepBatch:       envInt("CART_SWEEP_BATCH", 50),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     envSeconds("BREAKER_RESET_SECONDS", time.Minute),
		},
		Exports: ExportConfig{
			Bucket:          strings.TrimSpace(os.Getenv("ANALYTICS_BUCKET")),
			SnapshotPrefix:  envOr("CLV_SNAPSHOT_PREFIX", "customer_analytics/"),
			GlueDatabase:    strings.TrimSpace(os.Getenv("GLUE_DATABASE")),
			AthenaDatabase:  strings.TrimSpace(os.Getenv("ATHENA_DATABASE")),
			AthenaTable:     strings.TrimSpace(os.Getenv("ATHENA_TABLE")),
			AthenaWorkgroup: envOr("ATHENA_WORKGROUP", "primary"),
			AthenaOutput:    strings.TrimSpace(os.Getenv("ATHENA_OUTPUT")),
		},
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		TokenEncKeyB64:  os.Getenv("TOKEN_ENC_KEY_B64"),
		FrontendBaseURL: strings.TrimRight(os.Getenv("FRONTEND_BASE_URL"), "/"),
	}
}

func resolveParameter(ctx context.Context, c SSMClient, name string) (string, error) {
	out, err := c.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

func envOr(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSeconds(k string, def time.Duration) time.Duration {
	n := envInt(k, 0)
	if n == 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envMinutes(k string, def time.Duration) time.Duration {
	n := envInt(k, 0)
	if n == 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}
