package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ErrSubscriptionClosed is returned when the server drops the channel.
var ErrSubscriptionClosed = errors.New("redis: subscription closed")

// ChangeHandler receives one decoded presence change.
type ChangeHandler func(ctx context.Context, change voice.PresenceChange) error

// Subscriber feeds gateway presence changes to a handler.
type Subscriber struct {
	client  *Client
	channel string
	logger  *slog.Logger
}

// NewSubscriber creates a subscriber on ChannelVoiceState.
func NewSubscriber(client *Client, log *slog.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: ChannelVoiceState,
		logger:  logger.OrDefault(log).With(logger.Component("voice_subscriber")),
	}
}

// Run blocks until ctx is done. Malformed messages are skipped and handler
// errors are logged; neither stops the loop.
func (s *Subscriber) Run(ctx context.Context, handle ChangeHandler) error {
	pubsub := s.client.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("subscribed", slog.String("channel", s.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			s.deliver(ctx, msg, handle)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg *redis.Message, handle ChangeHandler) {
	var change voice.PresenceChange
	if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
		s.logger.Warn("skipping malformed presence message", logger.Err(err))
		return
	}
	if err := handle(ctx, change); err != nil {
		s.logger.Debug("presence message rejected",
			logger.UserID(change.UserID),
			logger.GuildID(change.GuildID),
			logger.Err(err))
	}
}
