package main

import (
	"context"
	"log"

	"chatpop/internal/app"
	"chatpop/internal/etl"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/glue"
)

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "analytics-repair")
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ex := rt.Config.Exports
	r, err := etl.NewPartitionRepairer(athena.NewFromConfig(rt.AWS), glue.NewFromConfig(rt.AWS), etl.RepairOptions{
		GlueDatabase: ex.GlueDatabase,
		Database:     ex.AthenaDatabase,
		Table:        ex.AthenaTable,
		Workgroup:    ex.AthenaWorkgroup,
		Output:       ex.AthenaOutput,
	}, rt.Log)
	if err != nil {
		rt.Log.Fatal("repair config", "error", err)
	}

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (etl.RepairResult, error) {
		return r.Repair(ctx)
	})
}
