package app

import (
	"fmt"

	"chatpop/internal/attribution"
	"chatpop/internal/db"
	"chatpop/internal/etl"
	"chatpop/internal/shopify"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Analytics bundles the attribution store and the Shopify-backed jobs.
type Analytics struct {
	Store      *attribution.Store
	Aggregator *attribution.CLVAggregator
	Reconciler *attribution.Reconciler
}

// Analytics wires the CLV aggregator. The parquet snapshot is only exported
// when ANALYTICS_BUCKET is set.
func (r *Runtime) Analytics(integrations *shopify.IntegrationStore) (*Analytics, error) {
	if err := db.Require(map[string]string{
		"ATTRIBUTION_TABLE":        db.AttributionTableName(),
		"CONVERSIONS_TABLE":        db.ConversionsTableName(),
		"CUSTOMER_ANALYTICS_TABLE": db.CustomerAnalyticsTableName(),
	}); err != nil {
		return nil, fmt.Errorf("analytics tables: %w", err)
	}
	store := attribution.NewStore(r.DB, db.AttributionTableName(), db.ConversionsTableName(), db.CustomerAnalyticsTableName())
	client := r.ShopifyClient()

	var exporter attribution.SnapshotExporter
	if ex := r.Config.Exports; ex.Bucket != "" {
		exporter = etl.NewSnapshotExporter(s3.NewFromConfig(r.AWS), ex.Bucket, ex.SnapshotPrefix)
	} else {
		r.Log.Warn("ANALYTICS_BUCKET not set, snapshots disabled")
	}

	return &Analytics{
		Store:      store,
		Aggregator: attribution.NewCLVAggregator(integrations, client, store, exporter, r.Log),
		Reconciler: attribution.NewReconciler(integrations, client, store),
	}, nil
}
