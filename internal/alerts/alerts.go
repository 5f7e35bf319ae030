// Package alerts delivers merchant notifications through per-agent SNS topics.
package alerts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"chatpop/internal/tenancy"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type SNSAPI interface {
	CreateTopic(ctx context.Context, in *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AgentTopics is the part of the agent directory alerts need.
type AgentTopics interface {
	Get(ctx context.Context, agentID string) (*tenancy.Agent, error)
	SetAlertsTopic(ctx context.Context, agentID, topicArn string) error
}

type Notifier struct {
	sns    SNSAPI
	agents AgentTopics
	stage  string
}

func NewNotifier(client SNSAPI, agents AgentTopics, stage string) *Notifier {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "dev"
	}
	return &Notifier{sns: client, agents: agents, stage: stage}
}

func shortHash(id string) string {
	h := sha1.Sum([]byte(id))
	// 8 bytes -> 16 hex chars, stable and short
	return hex.EncodeToString(h[:8])
}

// TopicName is the SNS topic name for an agent. SNS names allow only
// letters, digits, hyphens and underscores.
func (n *Notifier) TopicName(agentID string) string {
	return fmt.Sprintf("chatpop-agent-alerts-%s-%s", n.stage, shortHash(agentID))
}

// EnsureTopic creates the agent's topic on first use, subscribes email when
// given (the merchant confirms once) and stores the ARN on the agent.
func (n *Notifier) EnsureTopic(ctx context.Context, agentID, email string) (string, error) {
	a, err := n.agents.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if a.AlertsTopicArn != "" {
		return a.AlertsTopicArn, nil
	}

	ct, err := n.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(n.TopicName(agentID))})
	if err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	topicArn := aws.ToString(ct.TopicArn)

	if email = strings.TrimSpace(email); email != "" {
		if _, err := n.sns.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(topicArn),
			Protocol: aws.String("email"),
			Endpoint: aws.String(email),
		}); err != nil {
			return "", fmt.Errorf("subscribe %s: %w", topicArn, err)
		}
	}

	if err := n.agents.SetAlertsTopic(ctx, agentID, topicArn); err != nil {
		return "", fmt.Errorf("store topic arn: %w", err)
	}
	return topicArn, nil
}

// CartRecoveries publishes the sweep summary for one agent. Agents without a
// topic are skipped silently.
func (n *Notifier) CartRecoveries(ctx context.Context, agentID string, count int) error {
	if count <= 0 {
		return nil
	}
	a, err := n.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.AlertsTopicArn == "" {
		return nil
	}

	noun := "carts"
	if count == 1 {
		noun = "cart"
	}
	_, err = n.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.AlertsTopicArn),
		Subject:  aws.String("ChatPop cart recovery"),
		Message:  aws.String(fmt.Sprintf("ChatPop sent recovery suggestions for %d abandoned %s.", count, noun)),
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
