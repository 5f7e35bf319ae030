package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	err    error
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SHOPIFY_API_VERSION", "")
	t.Setenv("CART_ABANDON_THRESHOLD_MINUTES", "")
	t.Setenv("RATE_LIMIT_MAX", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, "2026-01", cfg.Shopify.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Shopify.HTTPTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Carts.AbandonThreshold)
	assert.Equal(t, 60*time.Minute, cfg.Carts.RecoveryCooldown)
	assert.Equal(t, 50, cfg.Carts.SweepBatch)
	assert.Equal(t, 120, cfg.Widget.RateLimitMax)
	assert.Equal(t, "customer_analytics/", cfg.Exports.SnapshotPrefix)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CART_ABANDON_THRESHOLD_MINUTES", "30")
	t.Setenv("CART_SWEEP_BATCH", "10")
	t.Setenv("SHOPIFY_REDIRECT_BASE", "https://api.example.com/")

	cfg := FromEnv()

	assert.Equal(t, 30*time.Minute, cfg.Carts.AbandonThreshold)
	assert.Equal(t, 10, cfg.Carts.SweepBatch)
	assert.Equal(t, "https://api.example.com", cfg.Shopify.RedirectBase)
}

func TestLoadResolvesSecretsFromSSM(t *testing.T) {
	t.Setenv("SHOPIFY_API_SECRET", "from-env")
	t.Setenv("SHOPIFY_API_SECRET_SSM_PARAM", "/chatpop/shopify-secret")

	cfg, err := Load(context.Background(), &fakeSSM{values: map[string]string{
		"/chatpop/shopify-secret": "from-ssm",
	}})
	require.NoError(t, err)
	assert.Equal(t, "from-ssm", cfg.Shopify.APISecret)
}

func TestLoadPropagatesSSMErrors(t *testing.T) {
	t.Setenv("TOKEN_ENC_KEY_B64_SSM_PARAM", "/chatpop/token-key")

	_, err := Load(context.Background(), &fakeSSM{err: errors.New("access denied")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_ENC_KEY_B64_SSM_PARAM")
}
