package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// wsConn adapts a *websocket.Conn to net.Conn so the same ReadFrame/
// WriteFrame dispatch loop used for TCP sessions also serves browser
// clients, grounded on the teacher's WebSocketConn
// (pkg/server/websocket.go).
type wsConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newWSConn(ws *websocket.Conn) *wsConn { return &wsConn{ws: ws} }

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf.Len() > 0 {
		return c.readBuf.Read(b)
	}
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	if msgType != websocket.BinaryMessage {
		return 0, io.ErrUnexpectedEOF
	}
	c.readBuf.Write(data)
	return c.readBuf.Read(b)
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// handleWebSocket upgrades an HTTP request and runs it through the same
// admission + message loop as a raw TCP connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn := newWSConn(ws)
	s.wg.Add(1)
	go s.handleConnection(conn)
}

// httpHandler builds the public router: Prometheus metrics, a health
// check, and the WebSocket bridge, wrapped in the teacher's pack-sourced
// CORS middleware since /ws is meant to be reachable from a browser
// client on a different origin.
func (s *Server) httpHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

// ServeHTTP starts the public HTTP listener (metrics, health, websocket
// bridge) on cfg.HTTPPort. It returns immediately; the listener runs in
// its own goroutine until Stop is called.
func (s *Server) ServeHTTP() error {
	if s.cfg.HTTPPort <= 0 {
		return nil
	}
	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: s.httpHandler()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("http server error: %v", err)
		}
	}()
	go func() {
		<-s.shutdown
		httpServer.Close()
	}()
	errorLog.Printf("http (metrics/healthz/ws) listening on %s", addr)
	return nil
}
