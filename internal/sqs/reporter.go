package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint, e.g. for LocalStack.
	Endpoint string
}

// SendMessageAPI is the subset of *sqs.Client the reporter uses.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// FailureMessage is the body sent for every undeliverable notification.
type FailureMessage struct {
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key"`
	RecipientID    int64  `json:"recipient_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	LastError      string `json:"last_error,omitempty"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"`
	ReportedAt     int64  `json:"reported_at"`
}

// Reporter pushes failed and expired outbox items onto an SQS queue so an
// operator tool can inspect or redrive them.
type Reporter struct {
	client   SendMessageAPI
	queueURL string
	logger   *zap.Logger
}

var _ broker.Reporter = (*Reporter)(nil)

func NewReporter(client SendMessageAPI, queueURL string, logger *zap.Logger) *Reporter {
	return &Reporter{client: client, queueURL: queueURL, logger: logger}
}

// NewReporterFromConfig builds a reporter on the default AWS credential chain.
func NewReporterFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Reporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs failure reporter initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewReporter(client, cfg.QueueURL, logger), nil
}

// NewMessage converts an outbox item into its queue representation.
func NewMessage(item *broker.Item, reportedAt time.Time) FailureMessage {
	msg := FailureMessage{
		ItemID:         item.ID.String(),
		IdempotencyKey: item.IdempotencyKey,
		RecipientID:    item.RecipientID,
		Kind:           item.Kind,
		Status:         string(item.Status),
		Attempt:        item.Attempt,
		Text:           item.Content.Text,
		CreatedAt:      item.CreatedAt.Unix(),
		ReportedAt:     reportedAt.Unix(),
	}
	if item.LastError != nil {
		msg.LastError = *item.LastError
	}
	return msg
}

func (r *Reporter) ReportFailure(ctx context.Context, item *broker.Item) error {
	body, err := json.Marshal(NewMessage(item, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(item.Status)),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(item.Kind),
			},
		},
	}

	result, err := r.client.SendMessage(ctx, input)
	if err != nil {
		r.logger.Error("failed to send failure report to sqs",
			zap.Error(err),
			zap.String("item_id", item.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	r.logger.Info("failure reported to sqs",
		zap.String("item_id", item.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
