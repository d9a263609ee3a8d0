// Package broadcast fans JSON messages out to topic subscribers, optionally
// across processes through redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	DefaultPrefix = "babelfish:broadcast:"
	DefaultBuffer = 64
)

type envelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	rdb    *redis.Client
	prefix string
	origin string
	buffer int

	logger  *log.Logger
	dropped atomic.Int64
	warn    rate.Sometimes
}

type Option func(*Hub)

// WithRedis relays every publish to other processes sharing rdb.
func WithRedis(rdb *redis.Client) Option {
	return func(h *Hub) { h.rdb = rdb }
}

func WithPrefix(prefix string) Option {
	return func(h *Hub) { h.prefix = prefix }
}

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func New(logger *log.Logger, opts ...Option) *Hub {
	h := &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		prefix: DefaultPrefix,
		origin: uuid.NewString(),
		buffer: DefaultBuffer,
		logger: logger,
		warn:   rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type Subscription struct {
	Topic string
	C     <-chan []byte

	ch   chan []byte
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()

		subs := h.topics[s.Topic]
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.Topic)
		}
		close(s.ch)
	})
}

func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan []byte, h.buffer)
	sub := &Subscription{Topic: topic, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped reports how many deliveries were skipped because a subscriber
// was not keeping up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish delivers msg as JSON to local subscribers of topic, then relays
// it through redis when configured. Local delivery happens even when the
// relay fails.
func (h *Hub) Publish(ctx context.Context, topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	h.deliver(topic, data)

	if h.rdb == nil {
		return nil
	}

	payload, err := json.Marshal(envelope{Origin: h.origin, Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("relay %s: %w", topic, err)
	}
	return nil
}

func (h *Hub) deliver(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[topic] {
		select {
		case sub.ch <- data:
		default:
			h.dropped.Add(1)
			h.warn.Do(func() {
				h.logger.Warn("slow subscriber", "topic", topic, "dropped", h.dropped.Load())
			})
		}
	}
}

// Run receives messages relayed by other processes until ctx is done.
// Without redis it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.rdb == nil {
		<-ctx.Done()
		return nil
	}

	sub := h.rdb.PSubscribe(ctx, h.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", h.prefix, err)
	}
	h.logger.Info("relay", "pattern", h.prefix+"*")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.receive(msg)
		}
	}
}

func (h *Hub) receive(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		h.logger.Error("decode relay", "channel", msg.Channel, "error", err)
		return
	}
	if env.Origin == h.origin {
		return
	}

	topic := env.Topic
	if topic == "" {
		topic = strings.TrimPrefix(msg.Channel, h.prefix)
	}
	h.deliver(topic, env.Data)
}
