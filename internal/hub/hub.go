// Package hub fans computed results out to every connected subscriber.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradesim/internal/metrics"
	"tradesim/logger"
	"tradesim/models"
)

const component = "broadcast_hub"

// ErrSendTimeout is returned when a subscriber does not accept a frame before
// its write deadline.
var ErrSendTimeout = errors.New("hub: send timed out")

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// Subscriber is one downstream connection. Writes are serialized so that
// concurrent broadcasts never interleave frames.
type Subscriber struct {
	ID string

	conn      Conn
	addr      string
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewSubscriber(conn Conn) *Subscriber {
	addr := ""
	if a := conn.RemoteAddr(); a != nil {
		addr = a.String()
	}
	return &Subscriber{
		ID:   uuid.NewString(),
		conn: conn,
		addr: addr,
		done: make(chan struct{}),
	}
}

func (s *Subscriber) RemoteAddr() string {
	return s.addr
}

// Send writes one text frame, giving up after timeout when it is positive.
func (s *Subscriber) Send(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}

	if timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	err := s.conn.WriteMessage(websocket.TextMessage, payload)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	return err
}

// Close closes the connection once. The subscriber's read loop observes the
// close and deregisters it.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Hub is the set of active subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sendTimeout time.Duration
	inflight    sync.WaitGroup
	log         *logger.Log
}

// New creates a hub that bounds every send by sendTimeout.
func New(sendTimeout time.Duration) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		sendTimeout: sendTimeout,
		log:         logger.GetLogger(),
	}
}

func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	h.subscribers[s.ID] = s
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.SetActiveSubscribers(n)
	h.log.WithComponent(component).WithFields(logger.Fields{
		"subscriber":  s.ID,
		"remote_addr": s.RemoteAddr(),
		"subscribers": n,
	}).Info("subscriber registered")
}

// Remove deletes s from the active set. It reports whether s was present, so
// only the first of several removals has an effect.
func (h *Hub) Remove(s *Subscriber) bool {
	h.mu.Lock()
	_, ok := h.subscribers[s.ID]
	delete(h.subscribers, s.ID)
	n := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return false
	}
	metrics.SetActiveSubscribers(n)
	h.log.WithComponent(component).WithFields(logger.Fields{
		"subscriber":  s.ID,
		"remote_addr": s.RemoteAddr(),
		"subscribers": n,
	}).Info("subscriber removed")
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		out = append(out, s)
	}
	return out
}

// Broadcast encodes rec once and sends it to every subscriber registered at
// the time of the call, concurrently. It returns after every send finished or
// timed out. A failed subscriber is removed and closed without affecting the
// others.
func (h *Hub) Broadcast(ctx context.Context, rec models.ResultRecord) {
	if ctx.Err() != nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		h.log.WithComponent(component).WithError(err).Error("failed to encode result")
		return
	}

	subs := h.snapshot()
	if len(subs) == 0 {
		return
	}

	h.inflight.Add(1)
	defer h.inflight.Done()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			if err := s.Send(payload, h.sendTimeout); err != nil {
				h.fail(s, err)
			}
		}(s)
	}
	wg.Wait()
	metrics.IncBroadcast()
}

func (h *Hub) fail(s *Subscriber, err error) {
	metrics.IncSendFailure()
	reason := "error"
	if errors.Is(err, ErrSendTimeout) {
		reason = "timeout"
	}
	metrics.EmitMetric(h.log, component, "send_failures", 1, "counter", logger.Fields{"unit": "count", "reason": reason})
	h.log.WithComponent(component).WithError(err).WithFields(logger.Fields{
		"subscriber":  s.ID,
		"remote_addr": s.RemoteAddr(),
		"reason":      reason,
	}).Warn("send to subscriber failed, dropping it")
	h.Remove(s)
	s.Close()
}

// CloseAll closes every subscriber and waits for in-flight broadcasts.
func (h *Hub) CloseAll() {
	for _, s := range h.snapshot() {
		s.Close()
		h.Remove(s)
	}
	h.inflight.Wait()
}
