package lifecycle

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Handler receives decoded events. Delivery order across events is not
// guaranteed by every transport; use Event.At to order them.
type Handler func(ctx context.Context, ev Event) error

// Consumer owns the subscriber that feeds lifecycle events to its handlers.
type Consumer struct {
	topic      string
	subscriber message.Subscriber
	handlers   []Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewConsumer(subscriber message.Subscriber, topic string, handlers ...Handler) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Consumer{topic: topic, subscriber: subscriber, handlers: handlers}
}

// Start subscribes and consumes in the background. It returns once the
// subscription is established so events published afterwards are not lost.
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		c.mu.Unlock()
		cancel()
		log.Error().Err(err).Str("component", "lifecycle").Str("topic", c.topic).Msg("consumer: subscribe failed")
		return err
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.consume(runCtx, ch, done)
	return nil
}

func (c *Consumer) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.mu.Unlock()
}

// Wait blocks until the consume loop has exited.
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Consumer) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Info().Str("component", "lifecycle").Str("topic", c.topic).Msg("consumer: started")
	for msg := range ch {
		ev, err := Decode(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "lifecycle").Str("msg_id", msg.UUID).Msg("consumer: failed to decode event")
			msg.Ack()
			continue
		}
		for _, h := range c.handlers {
			if err := h(ctx, ev); err != nil {
				log.Warn().Err(err).Str("component", "lifecycle").Str("event", string(ev.Type)).Str("session_id", ev.SessionID).Msg("consumer: handler failed")
			}
		}
		msg.Ack()
	}
	log.Info().Str("component", "lifecycle").Str("topic", c.topic).Msg("consumer: stopped")
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

// LogHandler writes one structured line per event.
func LogHandler(_ context.Context, ev Event) error {
	e := log.Info()
	if ev.Type == EventFailed {
		e = log.Warn()
	}
	e.Str("component", "lifecycle").
		Str("event", string(ev.Type)).
		Str("relay_id", ev.RelayID).
		Str("session_id", ev.SessionID).
		Int("fragments", ev.Fragments).
		Int("history_len", ev.HistoryLen).
		Str("reason", ev.Reason).
		Msg("relay lifecycle")
	return nil
}
