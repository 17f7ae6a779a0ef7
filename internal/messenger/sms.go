package messenger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SNSPublisher is the subset of *sns.Client used for SMS.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMS delivers text messages through AWS SNS direct publish.
type SMS struct {
	client SNSPublisher
	book   AddressBook
	logger *zap.Logger
}

func NewSMS(client SNSPublisher, book AddressBook, logger *zap.Logger) *SMS {
	return &SMS{client: client, book: book, logger: logger}
}

// NewSMSFromRegion loads the default AWS credential chain for region.
func NewSMSFromRegion(ctx context.Context, region string, book AddressBook, logger *zap.Logger) (*SMS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSMS(sns.NewFromConfig(awsCfg), book, logger), nil
}

func (s *SMS) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	phone, err := lookup(ctx, s.book, recipientID, FieldPhone)
	if err != nil {
		return Result{}, err
	}
	if content.Text == "" {
		return Result{}, NewPermanent("empty_message", errors.New("sms message is empty"))
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(content.Text),
	})
	if err != nil {
		return Result{}, classifyAWS("sns", err)
	}

	id := aws.ToString(out.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.Int64("recipient_id", recipientID),
		zap.String("message_id", id),
	)
	return Result{OK: true, ProviderMessageID: id}, nil
}

var (
	awsAuthCodes = map[string]bool{
		"UnrecognizedClientException": true,
		"InvalidClientTokenId":        true,
		"SignatureDoesNotMatch":       true,
		"AccessDenied":                true,
		"AccessDeniedException":       true,
		"AuthorizationError":          true,
		"ExpiredToken":                true,
	}
	awsRecipientCodes = map[string]bool{
		"InvalidParameter":      true,
		"InvalidParameterValue": true,
		"MessageRejected":       true,
		"OptedOut":              true,
		"EndpointDisabled":      true,
	}
)

// classifyAWS maps smithy API error codes onto error classes.
func classifyAWS(service string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsAuthCodes[code]:
			return NewFatal(service+"_unauthorized", err)
		case awsRecipientCodes[code]:
			return NewPermanent(service+"_rejected", err)
		}
	}
	return NewRetryable(service+"_error", fmt.Errorf("%s send failed: %w", service, err))
}
