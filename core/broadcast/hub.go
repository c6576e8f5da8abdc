package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/errors"
	"pht-monitor/core/logger"
	"pht-monitor/core/monitoring"
)

// Topic names a notification stream
type Topic string

const (
	TopicJobs    Topic = "jobs"
	TopicMetrics Topic = "metrics"
	// TopicJobMetrics carries a job's metric list of one kind after each change
	TopicJobMetrics Topic = "job_metrics"
)

// Event names carried by notifications
const (
	EventJobUpdate    = "job_update"
	EventMetricUpdate = "metric_update"
)

// OverflowPolicy decides what happens when a subscriber's queue is full
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued notification to make room
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect closes the subscription
	Disconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy validates s as an overflow policy name
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, Disconnect:
		return OverflowPolicy(s), nil
	}
	return "", errors.InvalidArgument("hub", fmt.Sprintf("unknown overflow policy %q", s))
}

const DefaultBufferSize = 64

// Notification is one serialized snapshot delivered to subscribers. Key
// names the job it is about.
type Notification struct {
	Topic Topic
	Key   string
	Event string
	Data  []byte
}

type Config struct {
	BufferSize int
	Overflow   OverflowPolicy
}

// Hub fans notifications out to live subscribers. Every subscriber has its
// own bounded queue; Publish never waits on a subscriber.
type Hub struct {
	mu     sync.Mutex
	subs   map[Topic]map[string]*Subscription
	closed bool

	bufferSize int
	overflow   OverflowPolicy
	sink       monitoring.Sink
	log        logrus.FieldLogger
}

// NewHub creates a hub. A nil sink disables metrics.
func NewHub(cfg Config, sink monitoring.Sink, log logrus.FieldLogger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	if sink == nil {
		sink = monitoring.NewNoopSink()
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Hub{
		subs: map[Topic]map[string]*Subscription{
			TopicJobs:       {},
			TopicMetrics:    {},
			TopicJobMetrics: {},
		},
		bufferSize: cfg.BufferSize,
		overflow:   cfg.Overflow,
		sink:       sink,
		log:        log.WithField("component", "hub"),
	}
}

// Subscription is one subscriber's view of a topic. C is closed when the
// subscription ends, whether by Close, context cancellation, overflow
// disconnect or hub shutdown. A subscription with a Key only receives
// notifications with the same key.
type Subscription struct {
	ID    string
	Topic Topic
	Key   string

	ch      chan Notification
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	hub     *Hub
}

// C returns the receive side of the subscriber queue
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many notifications were discarded for this subscriber
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, "closed")
}

// Subscribe registers a subscriber that sees every notification on topic
// published from now on. The subscription ends when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	return h.SubscribeKey(ctx, topic, "")
}

// SubscribeKey is Subscribe restricted to notifications carrying key. An
// empty key matches every notification.
func (h *Hub) SubscribeKey(ctx context.Context, topic Topic, key string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.StoreUnavailable("hub", "hub is closed", nil)
	}
	subs, ok := h.subs[topic]
	if !ok {
		return nil, errors.InvalidArgument("hub", fmt.Sprintf("unknown topic %q", topic))
	}

	s := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		Key:   key,
		ch:    make(chan Notification, h.bufferSize),
		done:  make(chan struct{}),
		hub:   h,
	}
	subs[s.ID] = s
	h.sink.SubscribersUpdate(string(topic), len(subs))

	h.log.WithFields(logrus.Fields{
		"topic":      topic,
		"key":        key,
		"subscriber": s.ID,
	}).Debug("subscriber added")

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Publish delivers a notification to every current subscriber of topic
// whose key matches. Publishes are serialized so all subscribers observe
// the same order.
func (h *Hub) Publish(topic Topic, key, event string, data []byte) {
	n := Notification{Topic: topic, Key: key, Event: event, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.sink.NotificationPublished(string(topic))

	for _, s := range h.subs[topic] {
		if s.Key != "" && s.Key != key {
			continue
		}
		select {
		case s.ch <- n:
			continue
		default:
		}

		h.sink.NotificationDropped(string(topic))
		if h.overflow == Disconnect {
			h.removeLocked(s, "queue full")
			continue
		}

		// only publishers send and they hold h.mu, so one receive frees a slot
		select {
		case <-s.ch:
		default:
		}
		s.dropped.Add(1)
		select {
		case s.ch <- n:
		default:
		}
	}
}

func (h *Hub) PublishJobUpdate(jobID string, data []byte) {
	h.Publish(TopicJobs, jobID, EventJobUpdate, data)
}

func (h *Hub) PublishMetricUpdate(jobID string, data []byte) {
	h.Publish(TopicMetrics, jobID, EventMetricUpdate, data)
}

func (h *Hub) PublishJobMetrics(jobID string, data []byte) {
	h.Publish(TopicJobMetrics, jobID, EventMetricUpdate, data)
}

// Subscribers returns the number of live subscribers on topic
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Listening reports whether a notification on topic with key would reach
// any subscriber
func (h *Hub) Listening(topic Topic, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[topic] {
		if s.Key == "" || s.Key == key {
			return true
		}
	}
	return false
}

// Close ends every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, s := range subs {
			h.removeLocked(s, "hub closed")
		}
	}
}

func (h *Hub) removeLocked(s *Subscription, reason string) {
	s.once.Do(func() {
		subs := h.subs[s.Topic]
		delete(subs, s.ID)
		close(s.ch)
		close(s.done)
		h.sink.SubscribersUpdate(string(s.Topic), len(subs))

		h.log.WithFields(logrus.Fields{
			"topic":      s.Topic,
			"subscriber": s.ID,
			"reason":     reason,
			"dropped":    s.dropped.Load(),
		}).Debug("subscriber removed")
	})
}
