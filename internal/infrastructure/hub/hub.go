package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/port"
)

// ErrClosed hub 已关闭
var ErrClosed = errors.New("hub closed")

// Conn 订阅者的底层连接。Write 只会被该订阅者自己的写协程调用；
// Close 可能与 Write 并发调用，用于打断阻塞的写。
type Conn interface {
	Write(data []byte) error
	Close() error
}

type Subscriber struct {
	ID     string
	conn   Conn
	queue  chan []byte
	topics map[string]struct{} // guarded by Hub.mu
	once   sync.Once
}

func (s *Subscriber) shutdown() {
	s.once.Do(func() { _ = s.conn.Close() })
}

// Hub 订阅者扇出。每个订阅者一个有界队列 + 一个写协程：
// 入队不阻塞，队列满或写失败只移除该订阅者。尽力而为，不重试不回放。
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	closed    bool
	onRemove  func(id, reason string)
	onCount   func(n int)
	now       func() time.Time
}

type Option func(*Hub)

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithRemoveHook is called after a subscriber is dropped.
func WithRemoveHook(fn func(id, reason string)) Option {
	return func(h *Hub) { h.onRemove = fn }
}

// WithCountHook is called with the subscriber count after every change.
func WithCountHook(fn func(n int)) Option {
	return func(h *Hub) { h.onCount = fn }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: 64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds conn as a subscriber and starts its writer.
func (h *Hub) Register(conn Conn, topics ...string) (string, error) {
	s := &Subscriber{
		ID:     uuid.NewString(),
		conn:   conn,
		queue:  make(chan []byte, h.queueSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrClosed
	}
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()

	go h.writeLoop(s)
	log.Info().Str("subscriber", s.ID).Int("total", n).Msg("subscriber registered")
	if h.onCount != nil {
		h.onCount(n)
	}
	return s.ID, nil
}

// Unregister removes a subscriber; unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.remove(id, "unregistered")
}

func (h *Hub) Subscribe(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	if ok {
		s.topics[topic] = struct{}{}
	}
	return ok
}

func (h *Hub) Unsubscribe(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	if ok {
		delete(s.topics, topic)
	}
	return ok
}

// Broadcast enqueues msg for every subscriber and returns how many accepted it.
func (h *Hub) Broadcast(msg port.Envelope) int {
	return h.fanout(msg, func(*Subscriber) bool { return true })
}

// BroadcastTopic enqueues msg for subscribers of topic or of port.TopicAll.
func (h *Hub) BroadcastTopic(topic string, msg port.Envelope) int {
	msg.Topic = topic
	return h.fanout(msg, func(s *Subscriber) bool {
		if _, ok := s.topics[topic]; ok {
			return true
		}
		_, ok := s.topics[port.TopicAll]
		return ok
	})
}

// Send enqueues msg for a single subscriber.
func (h *Hub) Send(id string, msg port.Envelope) bool {
	return h.fanout(msg, func(s *Subscriber) bool { return s.ID == id }) == 1
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Topics returns the topics id is subscribed to.
func (h *Hub) Topics(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subs[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close drops every subscriber; later Register calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	for _, s := range subs {
		close(s.queue)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	if h.onCount != nil {
		h.onCount(0)
	}
}

func (h *Hub) fanout(msg port.Envelope, match func(*Subscriber) bool) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("encode hub message failed")
		return 0
	}

	var slow []string
	sent := 0

	// 入队在读锁内完成，remove 持写锁关闭队列，二者互斥
	h.mu.RLock()
	for _, s := range h.subs {
		if !match(s) {
			continue
		}
		select {
		case s.queue <- data:
			sent++
		default:
			slow = append(slow, s.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.remove(id, "queue full")
	}
	return sent
}

func (h *Hub) writeLoop(s *Subscriber) {
	defer s.shutdown()
	for data := range s.queue {
		if err := s.conn.Write(data); err != nil {
			h.remove(s.ID, "write failed: "+err.Error())
			return
		}
	}
}

func (h *Hub) remove(id, reason string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.queue)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.shutdown()
	log.Info().Str("subscriber", id).Str("reason", reason).Int("total", n).Msg("subscriber removed")
	if h.onRemove != nil {
		h.onRemove(id, reason)
	}
	if h.onCount != nil {
		h.onCount(n)
	}
}

var _ port.Publisher = (*Hub)(nil)
