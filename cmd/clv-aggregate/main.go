package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"chatpop/internal/app"
	"chatpop/internal/attribution"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/tenancy"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

// detail is the optional EventBridge detail; an agent id limits the run.
type detail struct {
	AgentID string `json:"agent_id"`
}

type summary struct {
	Agents int                     `json:"agents"`
	Failed []string                `json:"failed,omitempty"`
	Runs   []attribution.RunResult `json:"runs"`
}

type job struct {
	agents *tenancy.Directory
	agg    *attribution.CLVAggregator
	log    *logger.Logger
}

func (j *job) handle(ctx context.Context, ev events.CloudWatchEvent) (summary, error) {
	var d detail
	if len(ev.Detail) > 0 {
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			j.log.Warn("ignoring unreadable event detail", "error", err)
		}
	}

	ids := []string{strings.TrimSpace(d.AgentID)}
	if ids[0] == "" {
		var err error
		ids, err = j.agents.ConnectedAgents(ctx)
		if err != nil {
			return summary{}, fmt.Errorf("list connected agents: %w", err)
		}
	}

	out := summary{Agents: len(ids), Runs: []attribution.RunResult{}}
	for _, id := range ids {
		res, err := j.agg.Run(ctx, id)
		if err != nil {
			j.log.Error("clv aggregation failed", "agent_id", id, "error", err)
			out.Failed = append(out.Failed, id)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		out.Runs = append(out.Runs, res)
	}
	if len(ids) > 0 && len(out.Failed) == len(ids) {
		return out, fmt.Errorf("clv aggregation failed for all %d agents", len(ids))
	}
	return out, nil
}

func main() {
	ctx := context.Background()

	rt, err := app.New(ctx, "clv-aggregate")
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := db.Require(map[string]string{
		"AGENTS_TABLE":       db.AgentsTableName(),
		"INTEGRATIONS_TABLE": db.IntegrationsTableName(),
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

	j := &job{agents: tenancy.NewDirectory(rt.DB, db.AgentsTableName()), agg: an.Aggregator, log: rt.Log}
	lambda.Start(j.handle)
}
