package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/logging"
)

// PubSub bundles a publisher with the subscriber used by in-process consumers.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	close      func() error
}

func (p *PubSub) Close() error {
	if p == nil || p.close == nil {
		return nil
	}
	return p.close()
}

// BuildPubSub constructs a Redis Streams publisher/subscriber pair when enabled.
// If s.Enabled is false, it returns an in-memory gochannel pub/sub.
func BuildPubSub(s Settings, client redis.UniversalClient) (*PubSub, error) {
	logger := logging.NewWatermill(log.Logger)
	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &PubSub{Publisher: gc, Subscriber: gc, close: gc.Close}, nil
	}
	if client == nil {
		return nil, errors.New("redis transport enabled without a client")
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := BuildGroupSubscriber(client, s.Group, s.Consumer, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		close: func() error {
			perr := pub.Close()
			serr := sub.Close()
			if perr != nil {
				return perr
			}
			return serr
		},
	}, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = logging.NewWatermill(log.Logger)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
