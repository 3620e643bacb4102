// Package gateway accepts subscriber websocket connections, registers them
// with the broadcast hub and applies the parameter updates they send.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradesim/config"
	"tradesim/internal/hub"
	"tradesim/internal/metrics"
	"tradesim/internal/state"
	"tradesim/logger"
)

const (
	component   = "subscriber_gateway"
	defaultPort = "8000"
)

// StatusFunc reports the upstream connection state for health checks.
type StatusFunc func() string

// Server is the subscriber-facing HTTP and websocket listener.
type Server struct {
	cfg        config.ServerConfig
	state      *state.SharedState
	hub        *hub.Hub
	status     StatusFunc
	upgrader   websocket.Upgrader
	httpServer *http.Server
	recent     *recent
	log        *logger.Log

	// mu orders subscriber registration against shutdown: once closing is
	// set no new read loop is started.
	mu      sync.Mutex
	closing bool
	readers sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, st *state.SharedState, h *hub.Hub, status StatusFunc) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	log := logger.GetLogger()
	rec := newRecent()
	log.AddHook(rec)

	return &Server{
		cfg:    cfg,
		state:  st,
		hub:    h,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recent: rec,
		log:    log,
	}
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	return s.cfg.Address
}

// Run serves until ctx is cancelled, then stops accepting connections,
// closes every subscriber and waits for their read loops to exit.
func (s *Server) Run(ctx context.Context) error {
	defer s.recent.close()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent(component).WithFields(logger.Fields{
		"address": s.cfg.Address,
		"path":    s.cfg.Path,
	}).Info("subscriber server listening")

	select {
	case <-ctx.Done():
		s.beginShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.hub.CloseAll()
		s.readers.Wait()
		<-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// beginShutdown stops new subscribers from registering. Connections upgraded
// after this point are closed immediately.
func (s *Server) beginShutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

// Handler builds the router: the websocket endpoint on the configured path
// plus health, parameter, recent event and metrics endpoints.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(s.cfg.Path, s.serveWS)

	router.GET("/healthz", func(c *gin.Context) {
		upstream := "unknown"
		if s.status != nil {
			upstream = s.status()
		}
		code := http.StatusOK
		if upstream != "streaming" {
			code = http.StatusServiceUnavailable
		}
		book := s.state.Book()
		body := gin.H{
			"upstream":    upstream,
			"subscribers": s.hub.Len(),
			"bids":        len(book.Bids),
			"asks":        len(book.Asks),
		}
		if !book.ReceivedAt.IsZero() {
			body["last_book_at"] = book.ReceivedAt.UTC().Format(time.RFC3339Nano)
		}
		c.JSON(code, body)
	})

	router.GET("/api/params", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.state.Params())
	})

	router.GET("/api/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": s.recent.events.snapshot()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.recent.logs.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func (s *Server) serveWS(c *gin.Context) {
	log := s.log.WithComponent(component)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"remote_addr": c.Request.RemoteAddr}).Warn("websocket upgrade failed")
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	sub := hub.NewSubscriber(conn)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sub.Close()
		log.WithFields(logger.Fields{"remote_addr": sub.RemoteAddr()}).Info("server shutting down, refusing subscriber")
		return
	}
	s.readers.Add(1)
	s.hub.Add(sub)
	s.mu.Unlock()
	defer s.readers.Done()

	log.WithFields(logger.Fields{"subscriber": sub.ID, "remote_addr": sub.RemoteAddr()}).Info("subscriber connected")
	s.readLoop(sub, conn)
}

// readLoop applies inbound messages until the connection fails, then
// deregisters the subscriber. The hub may have removed it already after a
// failed send; Remove makes the second attempt a no-op.
func (s *Server) readLoop(sub *hub.Subscriber, conn *websocket.Conn) {
	log := s.log.WithComponent(component).WithFields(logger.Fields{
		"subscriber":  sub.ID,
		"remote_addr": sub.RemoteAddr(),
	})
	defer func() {
		removed := s.hub.Remove(sub)
		sub.Close()
		log.WithFields(logger.Fields{"removed": removed}).Info("subscriber disconnected")
	}()

	var limiter *rate.Limiter
	if rl := s.cfg.RateLimit; rl.MessagesPerSecond > 0 {
		burst := rl.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), burst)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("subscriber read failed")
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			log.Warn("subscriber exceeded update rate, dropping message")
			continue
		}
		s.handleMessage(msg, log)
	}
}

func (s *Server) handleMessage(msg []byte, log *logger.Entry) {
	upd, err := ParseUpdate(msg)
	if err != nil {
		log.WithError(err).Warn("ignoring malformed subscriber message")
		return
	}
	if upd.Empty() && len(upd.Rejected) == 0 {
		log.Debug("subscriber message carried no parameters")
		return
	}
	applyUpdate(s.state, upd, log)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("localhost", defaultPort)
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if len(addr) > 1 && addr[0] == ':' && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
