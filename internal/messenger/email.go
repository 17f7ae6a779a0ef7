package messenger

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender is the subset of *ses.Client used for e-mail.
type SESSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type EmailConfig struct {
	FromEmail      string
	DefaultSubject string
}

// Email delivers notifications through AWS SES.
type Email struct {
	client SESSender
	book   AddressBook
	cfg    EmailConfig
	logger *zap.Logger
}

func NewEmail(client SESSender, book AddressBook, cfg EmailConfig, logger *zap.Logger) *Email {
	if cfg.DefaultSubject == "" {
		cfg.DefaultSubject = "Reminder"
	}
	return &Email{client: client, book: book, cfg: cfg, logger: logger}
}

// NewEmailFromRegion loads the default AWS credential chain for region.
func NewEmailFromRegion(ctx context.Context, region string, book AddressBook, cfg EmailConfig, logger *zap.Logger) (*Email, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewEmail(ses.NewFromConfig(awsCfg), book, cfg, logger), nil
}

func (e *Email) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	to, err := lookup(ctx, e.book, recipientID, FieldEmail)
	if err != nil {
		return Result{}, err
	}

	subject := content.Subject
	if subject == "" {
		subject = e.cfg.DefaultSubject
	}

	input := &ses.SendEmailInput{
		Source: aws.String(e.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content.Text),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	out, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return Result{}, classifyAWS("ses", err)
	}

	id := aws.ToString(out.MessageId)
	e.logger.Info("email sent via SES",
		zap.Int64("recipient_id", recipientID),
		zap.String("message_id", id),
	)
	return Result{OK: true, ProviderMessageID: id}, nil
}
