package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tradesim/config"
	"tradesim/internal/state"
	"tradesim/logger"
	"tradesim/models"
)

const snapshotFrame = `{"arg":{"channel":"books5","instId":"BTC-USDT-SWAP"},"action":"snapshot","data":[{"bids":[["100","3"]],"asks":[["100.5","2"]],"ts":"1700000000000"}]}`

type recordingHub struct {
	mu      sync.Mutex
	records []models.ResultRecord
	notify  chan struct{}
}

func newRecordingHub() *recordingHub {
	return &recordingHub{notify: make(chan struct{}, 64)}
}

func (h *recordingHub) Broadcast(_ context.Context, rec models.ResultRecord) {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *recordingHub) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for h.count() < n {
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("expected %d records, got %d", n, h.count())
		}
	}
}

type captureWriter struct {
	frames []string
}

func (w *captureWriter) WriteMessage(_ int, data []byte) error {
	w.frames = append(w.frames, string(data))
	return nil
}

func newTestReader(cfg appconfig.UpstreamConfig, hub Publisher) *Okx_L2_Reader {
	return Okx_L2_NewReader(cfg, state.New(models.DefaultParameters()), hub)
}

func testUpstreamConfig(url string) appconfig.UpstreamConfig {
	return appconfig.UpstreamConfig{
		URL:              url,
		RetryInterval:    10 * time.Millisecond,
		HandshakeTimeout: time.Second,
		PingInterval:     time.Second,
		PongTimeout:      time.Second,
		FatalCodes:       appconfig.DefaultFatalCodes,
	}
}

// newUpstream serves websocket sessions with handle; the second return value
// counts accepted connections.
func newUpstream(t *testing.T, handle func(conn *websocket.Conn, n int32)) (string, *int32) {
	t.Helper()
	var count int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, atomic.AddInt32(&count, 1))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestProcessMessagePingReplies(t *testing.T) {
	r := &Okx_L2_Reader{log: logger.GetLogger(), state: state.New(models.DefaultParameters())}
	w := &captureWriter{}

	if err := r.processMessage(context.Background(), w, []byte("ping"), time.Now()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := r.processMessage(context.Background(), w, []byte(`{"op":"ping"}`), time.Now()); err != nil {
		t.Fatalf("op ping: %v", err)
	}
	if len(w.frames) != 2 || w.frames[0] != "pong" || w.frames[1] != `{"op":"pong"}` {
		t.Fatalf("unexpected replies: %q", w.frames)
	}
}

func TestProcessMessageErrorEvents(t *testing.T) {
	r := newTestReader(testUpstreamConfig(""), nil)

	err := r.processMessage(context.Background(), nil, []byte(`{"event":"error","code":"60014","msg":"too many"}`), time.Now())
	if !errors.Is(err, ErrFatalUpstream) {
		t.Fatalf("fatal code: err = %v", err)
	}
	err = r.processMessage(context.Background(), nil, []byte(`{"event":"error","code":"50000","msg":"busy"}`), time.Now())
	if err != nil {
		t.Fatalf("non-fatal code: err = %v", err)
	}
	err = r.processMessage(context.Background(), nil, []byte(`{broken`), time.Now())
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("bad json: err = %v", err)
	}
}

func TestProcessMessagePublishesTick(t *testing.T) {
	hub := newRecordingHub()
	r := newTestReader(testUpstreamConfig(""), hub)

	if err := r.processMessage(context.Background(), nil, []byte(snapshotFrame), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if hub.count() != 1 {
		t.Fatalf("expected one record, got %d", hub.count())
	}
	rec := hub.records[0]
	if rec.MidPrice != 100.25 || rec.LastUpdate != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if book := r.state.Book(); book.Symbol != "BTC-USDT-SWAP" || len(book.Bids) != 1 {
		t.Fatalf("shared book not replaced: %+v", book)
	}
}

func TestBookWithoutTimestampKeepsPrevious(t *testing.T) {
	hub := newRecordingHub()
	r := newTestReader(testUpstreamConfig(""), hub)

	for _, f := range []string{snapshotFrame, `{"action":"update","data":[{"bids":[["100","2"]],"asks":[["100.5","1"]]}]}`} {
		if err := r.processMessage(context.Background(), nil, []byte(f), time.Now()); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if hub.count() != 2 {
		t.Fatalf("expected two records, got %d", hub.count())
	}
	if got := hub.records[1].LastUpdate; got != "2023-11-14T22:13:20Z" {
		t.Fatalf("timestamp not carried over: %q", got)
	}
	book := r.state.Book()
	if q, _ := book.Bids[0].Quantity(); q != 2 {
		t.Fatalf("update not applied: %+v", book)
	}
}

func TestProcessMessageSkipsWithoutBroadcast(t *testing.T) {
	hub := newRecordingHub()
	r := newTestReader(testUpstreamConfig(""), hub)

	frames := []string{
		`{"action":"partial","data":[{"bids":[["1","1"]],"asks":[["2","1"]]}]}`,
		`{"data":[{"bids":[],"asks":[]}]}`,
		`{"data":[{"bids":[["100","1"]],"asks":[]}]}`,
		`{"data":[{"bids":[["0","1"]],"asks":[["0","1"]]}]}`,
		`{"data":[{"bids":[["x","1"]],"asks":[["1","1"]]}]}`,
		`{"event":"subscribe","arg":{}}`,
		`{"hello":"world"}`,
	}
	for _, f := range frames {
		if err := r.processMessage(context.Background(), nil, []byte(f), time.Now()); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}
	if hub.count() != 0 {
		t.Fatalf("expected no broadcasts, got %d", hub.count())
	}
}

func TestReaderReconnectsAfterClose(t *testing.T) {
	url, conns := newUpstream(t, func(conn *websocket.Conn, _ int32) {
		conn.WriteMessage(websocket.TextMessage, []byte(snapshotFrame))
	})

	hub := newRecordingHub()
	r := newTestReader(testUpstreamConfig(url), hub)
	if err := r.Okx_L2_Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Okx_L2_Stop()

	hub.waitFor(t, 3)
	if atomic.LoadInt32(conns) < 3 {
		t.Fatalf("expected at least 3 connections, got %d", atomic.LoadInt32(conns))
	}
}

func TestReaderReconnectsOnFatalCode(t *testing.T) {
	url, conns := newUpstream(t, func(conn *websocket.Conn, n int32) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","code":"60008","msg":"fatal"}`))
			drain(conn)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(snapshotFrame))
		drain(conn)
	})

	hub := newRecordingHub()
	r := newTestReader(testUpstreamConfig(url), hub)
	if err := r.Okx_L2_Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Okx_L2_Stop()

	hub.waitFor(t, 1)
	if atomic.LoadInt32(conns) != 2 {
		t.Fatalf("expected reconnect after fatal code, got %d connections", atomic.LoadInt32(conns))
	}
	if r.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", r.State())
	}
}

func TestReaderSendsSubscribeWhenEnabled(t *testing.T) {
	got := make(chan string, 1)
	url, _ := newUpstream(t, func(conn *websocket.Conn, _ int32) {
		if _, msg, err := conn.ReadMessage(); err == nil {
			got <- string(msg)
		}
		drain(conn)
	})

	cfg := testUpstreamConfig(url)
	cfg.Subscribe = appconfig.SubscribeConfig{Enabled: true, Channel: "books5"}
	r := newTestReader(cfg, nil)
	if err := r.Okx_L2_Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Okx_L2_Stop()

	select {
	case msg := <-got:
		if !strings.Contains(msg, `"op":"subscribe"`) || !strings.Contains(msg, `"instId":"BTC-USDT-SWAP"`) {
			t.Fatalf("unexpected subscribe request: %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe request received")
	}
}

func TestReaderStopEntersClosing(t *testing.T) {
	url, _ := newUpstream(t, func(conn *websocket.Conn, _ int32) { drain(conn) })

	r := newTestReader(testUpstreamConfig(url), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Okx_L2_Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Okx_L2_Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatalf("never reached streaming, state %v", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Okx_L2_Stop()
	if r.State() != StateClosing {
		t.Fatalf("state after stop = %v", r.State())
	}
}

func TestReaderRetriesUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	r := newTestReader(testUpstreamConfig(url), nil)
	if err := r.Okx_L2_Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	r.Okx_L2_Stop()
	if r.State() != StateClosing {
		t.Fatalf("state = %v", r.State())
	}
}
