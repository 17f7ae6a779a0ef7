package messenger

import "context"

// Channel names accepted by Router and the CHANNEL setting.
const (
	ChannelTelegram = "telegram"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
	ChannelWebhook  = "webhook"
	ChannelLog      = "log"
)

// Content is a rendered notification.
type Content struct {
	Text    string `json:"text"`
	Subject string `json:"subject,omitempty"`
}

// Result reports what the provider accepted.
type Result struct {
	OK                bool   `json:"ok"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Messenger delivers content to a single recipient over one channel.
// Errors should be wrapped with Fatal, Permanent or Retryable so callers can
// decide between tripping the integration switch, failing the item and retrying.
type Messenger interface {
	Send(ctx context.Context, recipientID int64, content Content) (Result, error)
}

// Func adapts a function to Messenger.
type Func func(ctx context.Context, recipientID int64, content Content) (Result, error)

func (f Func) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	return f(ctx, recipientID, content)
}
