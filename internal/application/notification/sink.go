package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

// FanoutSink routes each requested channel to the sink registered for it.
// Channels with no sink go to the fallback, typically an external
// delivery service; without one they are skipped.
type FanoutSink struct {
	sinks    map[notification.Channel]notification.Sink
	fallback notification.Sink
	logger   zerolog.Logger
}

func NewFanoutSink(logger zerolog.Logger) *FanoutSink {
	return &FanoutSink{
		sinks:  make(map[notification.Channel]notification.Sink),
		logger: logger.With().Str("component", "fanout_sink").Logger(),
	}
}

// Handle registers s for ch.
func (f *FanoutSink) Handle(ch notification.Channel, s notification.Sink) *FanoutSink {
	f.sinks[ch] = s
	return f
}

// Fallback registers the sink for channels without a dedicated one.
func (f *FanoutSink) Fallback(s notification.Sink) *FanoutSink {
	f.fallback = s
	return f
}

// Submit hands n to every sink that serves one of channels. It succeeds
// when at least one sink accepted the notification.
func (f *FanoutSink) Submit(ctx context.Context, n *notification.Notification, channels []notification.Channel) error {
	type batch struct {
		sink     notification.Sink
		channels []notification.Channel
	}
	var batches []*batch
	bySink := make(map[notification.Sink]*batch)
	for _, ch := range channels {
		s, ok := f.sinks[ch]
		if !ok {
			s = f.fallback
		}
		if s == nil {
			f.logger.Debug().Str("channel", string(ch)).Msg("no sink for channel, skipped")
			continue
		}
		b, ok := bySink[s]
		if !ok {
			b = &batch{sink: s}
			bySink[s] = b
			batches = append(batches, b)
		}
		b.channels = append(b.channels, ch)
	}
	if len(batches) == 0 {
		return notification.ErrNoChannels
	}

	var errs []error
	accepted := 0
	for _, b := range batches {
		if err := b.sink.Submit(ctx, n, b.channels); err != nil {
			f.logger.Warn().
				Err(err).
				Str("notification_id", n.NotificationID.String()).
				Interface("channels", b.channels).
				Msg("sink rejected notification")
			errs = append(errs, fmt.Errorf("%v: %w", b.channels, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.Join(errs...)
	}
	return nil
}
