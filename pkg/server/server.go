package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/synacgo/synac/pkg/protocol"
	"github.com/synacgo/synac/pkg/store"
)

// Server is the synac engine: one TCP+TLS listener, a SessionManager, a
// Store, and the packet-dispatch loop. Grounded on the teacher's
// Server/acceptLoop/messageLoop shape (pkg/server/server.go), narrowed
// to this protocol's framing and operations.
type Server struct {
	cfg      Config
	store    store.Store
	sessions *SessionManager
	metrics  *Metrics

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a Server around an already-open Store. The caller
// owns the Store's lifecycle (sqlitestore.Open/Close, or memstore.New
// for tests).
func NewServer(cfg Config, st store.Store) (*Server, error) {
	if err := initLoggers(cfg.LogDir); err != nil {
		return nil, fmt.Errorf("server: init loggers: %w", err)
	}
	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		store:    st,
		sessions: NewSessionManager(cfg.LimitConnectionsPerIP, cfg.LimitRequestsCheapPer10Seconds, cfg.LimitRequestsExpensivePer5Minutes, metrics),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}, nil
}

// Serve loads (or generates) the TLS identity, listens on cfg.TCPPort,
// and starts the accept loop in its own goroutine, where it runs until
// Stop is called. It returns as soon as the listener is open.
func (s *Server) Serve() error {
	cert, err := loadOrGenerateTLSIdentity(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		return err
	}
	errorLog.Printf("TLS fingerprint (SPKI sha256): %s", SPKIFingerprint(cert))

	addr := fmt.Sprintf(":%d", s.cfg.TCPPort)
	listener, err := tls.Listen("tcp", addr, serverTLSConfig(cert))
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener
	errorLog.Printf("listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Metrics exposes the server's Prometheus registry for an HTTP /metrics
// handler; the caller owns serving it.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Stop closes the listener and every live session, then waits for the
// accept/read loops to exit.
func (s *Server) Stop() error {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, sess := range s.sessions.All() {
		sess.Conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if tcpConn, ok := underlyingTCPConn(conn); ok {
		tcpConn.SetNoDelay(true)
	}

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}

	banned, err := s.store.AnyBannedUserWithIP(ip)
	if err != nil {
		errorLog.Printf("AnyBannedUserWithIP(%s): %v", ip, err)
		return
	}
	if banned {
		protocol.WriteFrame(conn, protocol.Err{Code: protocol.ErrLoginBanned})
		return
	}

	sess, err := s.sessions.Admit(conn, ip)
	if err != nil {
		protocol.WriteFrame(conn, protocol.Err{Code: protocol.ErrMaxConnPerIP})
		return
	}
	defer s.sessions.Remove(sess.ID)

	debugLog.Printf("session %d: connected from %s", sess.ID, ip)
	s.messageLoop(sess)
}

// underlyingTCPConn unwraps a *tls.Conn to reach the *net.TCPConn
// beneath it, since every listener here is TLS.
func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	type netConner interface {
		NetConn() net.Conn
	}
	if nc, ok := conn.(netConner); ok {
		tcp, ok := nc.NetConn().(*net.TCPConn)
		return tcp, ok
	}
	tcp, ok := conn.(*net.TCPConn)
	return tcp, ok
}

func (s *Server) messageLoop(sess *Session) {
	for {
		p, err := protocol.ReadFrame(sess.Conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("session %d: disconnected", sess.ID)
			} else {
				debugLog.Printf("session %d: read error: %v", sess.ID, err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.packetsReceived.WithLabelValues(p.Type()).Inc()
		}

		if err := s.dispatch(sess, p); err != nil {
			if errors.Is(err, errClientClosing) {
				debugLog.Printf("session %d: closed by client", sess.ID)
				return
			}
			errorLog.Printf("session %d: dispatch %s: %v", sess.ID, p.Type(), err)
			return
		}
	}
}

// dispatch enforces the pre/post-auth gate (spec 4.F), rate limiting
// (spec 4.D), and routes to the per-packet handler.
func (s *Server) dispatch(sess *Session, p protocol.Packet) error {
	if _, authed := sess.UserID(); !authed {
		login, ok := p.(protocol.Login)
		if !ok {
			return errClientClosing
		}
		if ok, secondsLeft := sess.limiter.Allow(0, expensiveClass, time.Now()); !ok {
			return s.sendRateLimited(sess, secondsLeft)
		}
		return s.handleLogin(sess, login)
	}

	if _, ok := p.(protocol.Login); ok {
		// Post-authentication Login is implicitly rejected: the stored
		// id is never overwritten, and the connection stays open.
		return nil
	}
	if _, ok := p.(protocol.Close); ok {
		return errClientClosing
	}

	class := protocol.RequestClass(p)
	if class != protocol.ClassNone {
		rlClass := ratelimitClass(class)
		if ok, secondsLeft := sess.limiter.Allow(0, rlClass, time.Now()); !ok {
			if s.metrics != nil {
				label := "cheap"
				if rlClass == expensiveClass {
					label = "expensive"
				}
				s.metrics.rateLimitRejections.WithLabelValues(label).Inc()
			}
			return s.sendRateLimited(sess, secondsLeft)
		}
	}

	switch v := p.(type) {
	case protocol.LoginUpdate:
		return s.handleLoginUpdate(sess, v)
	case protocol.ChannelCreate:
		return s.handleChannelCreate(sess, v)
	case protocol.ChannelUpdate:
		return s.handleChannelUpdate(sess, v)
	case protocol.ChannelDelete:
		return s.handleChannelDelete(sess, v)
	case protocol.RoleCreate:
		return s.handleRoleCreate(sess, v)
	case protocol.RoleUpdate:
		return s.handleRoleUpdate(sess, v)
	case protocol.RoleDelete:
		return s.handleRoleDelete(sess, v)
	case protocol.MessageCreate:
		return s.handleMessageCreate(sess, v)
	case protocol.MessageUpdate:
		return s.handleMessageUpdate(sess, v)
	case protocol.MessageDelete:
		return s.handleMessageDelete(sess, v)
	case protocol.MessageList:
		return s.handleMessageList(sess, v)
	case protocol.Typing:
		return s.handleTyping(sess, v)
	case protocol.UserUpdate:
		return s.handleUserUpdate(sess, v)
	default:
		return s.sendError(sess, protocol.ErrUnknownAttribute)
	}
}
