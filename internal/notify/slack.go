package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries bounds retries of rate-limited posts.
const maxRetries = 2

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts failures to a channel.
type Slack struct {
	client  slackClient
	channel string
}

// Compile-time check.
var _ Notifier = (*Slack)(nil)

// NewSlack returns a Slack notifier using a bot token.
func NewSlack(token, channel string) (*Slack, error) {
	if token == "" || channel == "" {
		return nil, errors.New("slack: token and channel are required")
	}
	return newSlack(slackapi.New(token), channel), nil
}

func newSlack(client slackClient, channel string) *Slack {
	return &Slack{client: client, channel: channel}
}

// RunnerFailed implements Notifier.
func (s *Slack) RunnerFailed(ctx context.Context, f Failure) error {
	text := Text(f)
	opts := []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionAttachments(slackapi.Attachment{
			Color: "danger",
			Fields: []slackapi.AttachmentField{
				{Title: "Runner", Value: f.RunnerID, Short: true},
				{Title: "Reason", Value: f.Reason, Short: true},
			},
		}),
	}

	for attempt := 0; ; attempt++ {
		_, _, err := s.client.PostMessageContext(ctx, s.channel, opts...)
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return fmt.Errorf("slack: post message: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rle.RetryAfter):
		}
	}
}
