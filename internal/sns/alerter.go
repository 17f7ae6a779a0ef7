package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/integration"
)

// PublishAPI is the subset of *sns.Client the alerter uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alert is the JSON message published to the ops topic.
type Alert struct {
	Event     string  `json:"event"`
	Identity  string  `json:"identity"`
	Enabled   bool    `json:"enabled"`
	Source    string  `json:"source"`
	Reason    *string `json:"reason,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// Alerter publishes integration switch changes to an SNS topic that pages
// whoever owns the bot credentials.
type Alerter struct {
	client   PublishAPI
	topicARN string
	identity string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewAlerter(client PublishAPI, topicARN, identity string, logger *zap.Logger) *Alerter {
	return &Alerter{
		client:   client,
		topicARN: topicARN,
		identity: identity,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// NewAlerterFromRegion creates an alerter on the default AWS credential chain.
func NewAlerterFromRegion(ctx context.Context, region, topicARN, identity string, logger *zap.Logger) (*Alerter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAlerter(sns.NewFromConfig(cfg), topicARN, identity, logger), nil
}

// Publish sends one alert for snap.
func (a *Alerter) Publish(ctx context.Context, snap integration.Snapshot) (string, error) {
	event := "integration_enabled"
	if !snap.Enabled {
		event = "integration_disabled"
	}

	payload, err := json.Marshal(Alert{
		Event:     event,
		Identity:  a.identity,
		Enabled:   snap.Enabled,
		Source:    string(snap.Source),
		Reason:    snap.Reason,
		UpdatedAt: snap.UpdatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(fmt.Sprintf("nudge %s: %s", a.identity, event)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event),
			},
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(snap.Source)),
			},
		},
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// Listener returns a switch listener. Only runtime trips are published;
// operators already know about their own changes.
func (a *Alerter) Listener() func(integration.Snapshot) {
	return func(snap integration.Snapshot) {
		if snap.Enabled || snap.Source != integration.SourceRuntime {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if _, err := a.Publish(ctx, snap); err != nil {
			a.logger.Error("failed to publish integration alert", zap.Error(err))
		}
	}
}
