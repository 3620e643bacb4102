package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tradesim/config"
	"tradesim/internal/metrics"
	"tradesim/internal/state"
	"tradesim/logger"
	"tradesim/models"
	"tradesim/processor"
)

const component = "okx_l2_reader"

// ConnState is the lifecycle state of the upstream connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Publisher receives every computed result.
type Publisher interface {
	Broadcast(ctx context.Context, rec models.ResultRecord)
}

type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Okx_L2_Reader keeps a websocket session to an OKX-format L2 book feed,
// replaces the shared book on every snapshot or update and publishes the
// resulting cost estimate. Dropped sessions are re-established until Stop
// is called or the start context is cancelled.
type Okx_L2_Reader struct {
	config  appconfig.UpstreamConfig
	state   *state.SharedState
	hub     Publisher
	backoff Backoff
	fatal   map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	status  atomic.Int32
	log     *logger.Log
}

// Okx_L2_NewReader creates a reader that waits cfg.RetryInterval between
// connection attempts.
func Okx_L2_NewReader(cfg appconfig.UpstreamConfig, st *state.SharedState, hub Publisher) *Okx_L2_Reader {
	codes := cfg.FatalCodes
	if codes == nil {
		codes = appconfig.DefaultFatalCodes
	}
	fatal := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		fatal[c] = struct{}{}
	}
	return &Okx_L2_Reader{
		config:  cfg,
		state:   st,
		hub:     hub,
		backoff: FixedBackoff(cfg.RetryInterval),
		fatal:   fatal,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Okx_L2_Start launches the connection loop in the background.
func (r *Okx_L2_Reader) Okx_L2_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("Okx_L2_Reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent(component).WithFields(logger.Fields{
		"url":            r.config.URL,
		"retry_interval": r.config.RetryInterval.String(),
	}).Info("starting okx l2 reader")

	r.wg.Add(1)
	go r.stream()
	return nil
}

// Okx_L2_Stop cancels the connection loop and waits for it to exit.
func (r *Okx_L2_Reader) Okx_L2_Stop() {
	r.mu.Lock()
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.log.WithComponent(component).Info("stopping okx l2 reader")
	r.wg.Wait()
	r.log.WithComponent(component).Info("okx l2 reader stopped")
}

// State reports the current connection state.
func (r *Okx_L2_Reader) State() ConnState {
	return ConnState(r.status.Load())
}

func (r *Okx_L2_Reader) setState(s ConnState) {
	r.status.Store(int32(s))
}

func (r *Okx_L2_Reader) stream() {
	defer r.wg.Done()
	ctx := r.ctx
	log := r.log.WithComponent(component).WithFields(logger.Fields{"url": r.config.URL})

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			r.setState(StateClosing)
			return
		}

		r.setState(StateConnecting)
		err := r.session(ctx)
		if ctx.Err() != nil {
			r.setState(StateClosing)
			return
		}
		r.setState(StateDisconnected)

		wait := r.backoff.Next(attempt)
		log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("upstream session ended, reconnecting")
		metrics.IncReconnect()
		metrics.EmitMetric(r.log, component, "upstream_reconnects", 1, "counter", logger.Fields{
			"unit":  "count",
			"fatal": errors.Is(err, ErrFatalUpstream),
		})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			r.setState(StateClosing)
			return
		}
	}
}

// session runs one connection from dial to the first read error. It always
// returns a non-nil error.
func (r *Okx_L2_Reader) session(ctx context.Context) error {
	log := r.log.WithComponent(component)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: r.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, r.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if r.config.Subscribe.Enabled {
		if err := r.subscribe(conn); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	idle := r.config.PingInterval + r.config.PongTimeout
	if r.config.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		go r.keepalive(conn, done)
	}

	r.setState(StateStreaming)
	log.Info("connected to upstream feed")

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		received := time.Now()
		if r.config.PingInterval > 0 {
			conn.SetReadDeadline(received.Add(idle))
		}
		if mt == websocket.BinaryMessage {
			if data, err := inflate(msg); err == nil {
				msg = data
			}
		}
		if err := r.processMessage(ctx, conn, msg, received); errors.Is(err, ErrFatalUpstream) {
			return err
		}
	}
}

func (r *Okx_L2_Reader) subscribe(conn *websocket.Conn) error {
	req := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{{
			"channel": r.config.Subscribe.Channel,
			"instId":  r.state.Params().SpotAsset,
		}},
	}
	return conn.WriteJSON(req)
}

func (r *Okx_L2_Reader) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(r.config.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				r.log.WithComponent(component).WithError(err).Debug("keepalive ping failed")
				return
			}
		}
	}
}

// processMessage classifies one frame and acts on it. Only ErrFatalUpstream
// should end the session; decode failures are logged and returned for
// callers that care.
func (r *Okx_L2_Reader) processMessage(ctx context.Context, w frameWriter, msg []byte, received time.Time) error {
	log := r.log.WithComponent(component)

	frame, err := ClassifyFrame(msg)
	if err != nil {
		metrics.IncFrame("invalid")
		log.WithError(err).Warn("failed to decode upstream frame")
		return err
	}
	metrics.IncFrame(frame.Kind.String())

	switch frame.Kind {
	case FramePing:
		return r.reply(w, []byte("pong"))
	case FrameOpPing:
		return r.reply(w, []byte(`{"op":"pong"}`))
	case FrameSubscribed:
		log.WithFields(logger.Fields{"arg": string(frame.Arg)}).Info("upstream subscription acknowledged")
	case FrameError:
		entry := log.WithFields(logger.Fields{"code": frame.Code, "msg": frame.Message})
		if _, ok := r.fatal[frame.Code]; ok {
			entry.Error("fatal upstream error, reconnecting")
			return fmt.Errorf("%w: code %s: %s", ErrFatalUpstream, frame.Code, frame.Message)
		}
		entry.Warn("upstream error event")
	case FrameBook:
		r.handleBook(ctx, frame, received)
	default:
		log.WithFields(logger.Fields{"frame": truncate(msg, 200)}).Debug("ignoring unrecognized frame")
	}
	return nil
}

func (r *Okx_L2_Reader) reply(w frameWriter, payload []byte) error {
	if w == nil {
		return nil
	}
	if err := w.WriteMessage(websocket.TextMessage, payload); err != nil {
		r.log.WithComponent(component).WithError(err).Warn("failed to answer upstream ping")
		return err
	}
	return nil
}

func (r *Okx_L2_Reader) handleBook(ctx context.Context, frame Frame, received time.Time) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{"action": frame.Action})

	if frame.Action != "snapshot" && frame.Action != "update" {
		log.Warn("unknown book action, skipping")
		metrics.IncSkippedTick("unknown_action")
		return
	}

	book, params := r.state.ApplyBookUpdate(state.BookUpdate{
		Bids:              frame.Bids,
		Asks:              frame.Asks,
		ExchangeTimestamp: frame.Timestamp,
		HasTimestamp:      frame.HasTimestamp,
		ReceivedAt:        received,
	})
	if book.Empty() {
		log.Debug("empty book update, skipping")
		metrics.IncSkippedTick("empty_book")
		return
	}

	rec, err := processor.BuildResult(book, params, received)
	if err != nil {
		reason := skipReason(err)
		entry := log.WithError(err).WithFields(logger.Fields{"reason": reason})
		if reason == "malformed_book" {
			entry.Warn("skipping tick")
		} else {
			entry.Debug("skipping tick")
		}
		metrics.IncSkippedTick(reason)
		return
	}
	if rec.LastUpdate == processor.NotAvailable && book.ExchangeTimestamp != "" {
		log.WithFields(logger.Fields{"ts": book.ExchangeTimestamp}).Warn("unreadable exchange timestamp")
	}

	latency := time.Since(received)
	metrics.ObserveTick(latency)
	if r.hub != nil {
		r.hub.Broadcast(ctx, rec)
	}
	logger.LogPerformanceEntry(log, component, "tick", latency, logger.Fields{
		"mid_price": rec.MidPrice,
		"net_cost":  rec.NetCost,
	})
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, processor.ErrIncompleteBook):
		return "incomplete_book"
	case errors.Is(err, processor.ErrZeroMidPrice):
		return "zero_mid"
	case errors.Is(err, models.ErrMalformedBook):
		return "malformed_book"
	default:
		return "error"
	}
}

func truncate(msg []byte, n int) string {
	if len(msg) <= n {
		return string(msg)
	}
	return string(msg[:n]) + "..."
}

// MarshalJSON lets the state be reported directly in health responses.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
