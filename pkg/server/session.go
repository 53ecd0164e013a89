package server

import (
	"net"
	"sync"

	"github.com/synacgo/synac/pkg/protocol"
	"github.com/synacgo/synac/pkg/ratelimit"
)

// State is a session's position in the auth state machine (spec 4.F).
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

// Session is one live connection. UserID is nil until authenticated;
// once set it is never overwritten (a second Login is rejected, per
// spec 4.F).
type Session struct {
	ID     uint64
	IP     string
	Conn   net.Conn
	writeMu sync.Mutex

	mu     sync.RWMutex
	state  State
	userID *uint64

	limiter *ratelimit.Limiter
}

// send serializes writes to the underlying connection, matching the
// teacher's SafeConn idiom (one mutex per connection, all writers go
// through it).
func (s *Session) send(p protocol.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.Conn, p)
}

func (s *Session) UserID() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == nil {
		return 0, false
	}
	return *s.userID, true
}

func (s *Session) setUserID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = &id
	s.state = Authenticated
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

const expensiveClass = ratelimit.Expensive

// ratelimitClass maps a protocol.Class* constant to the ratelimit
// package's Class enum.
func ratelimitClass(c int) ratelimit.Class {
	if c == protocol.ClassExpensive {
		return ratelimit.Expensive
	}
	return ratelimit.Cheap
}

// SessionManager is the process-wide session registry (spec 4.E): live
// connections, per-IP counters, and the permission-aware broadcast
// fan-out (spec 4.G). Dead-session collection happens under RLock and
// removal happens after releasing it, exactly like the teacher's
// SessionManager.BroadcastToChannel/BroadcastToAll.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	ipCounts map[string]int
	nextID   uint64

	limitPerIP        int
	cheapLimit        int
	expensiveLimit    int
	metrics           *Metrics
}

func NewSessionManager(limitPerIP, cheapLimit, expensiveLimit int, metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions:       make(map[uint64]*Session),
		ipCounts:       make(map[string]int),
		nextID:         1,
		limitPerIP:     limitPerIP,
		cheapLimit:     cheapLimit,
		expensiveLimit: expensiveLimit,
		metrics:        metrics,
	}
}

// errMaxConnPerIP is returned by Admit when the peer's IP is already at
// its connection quota.
var errMaxConnPerIP = &quotaError{}

type quotaError struct{}

func (*quotaError) Error() string { return "server: connection quota exceeded for ip" }

// Admit creates and registers a new unauthenticated session for ip,
// rejecting (without incrementing the per-IP counter) when the quota is
// already met — the explicit fix for the open question in spec section
// 9 about the counter incrementing even on rejection.
func (sm *SessionManager) Admit(conn net.Conn, ip string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ipCounts[ip] >= sm.limitPerIP {
		if sm.metrics != nil {
			sm.metrics.sessionsRejectedIP.Inc()
		}
		return nil, errMaxConnPerIP
	}

	id := sm.nextID
	sm.nextID++
	sess := &Session{
		ID:      id,
		IP:      ip,
		Conn:    conn,
		state:   Unauthenticated,
		limiter: ratelimit.New(sm.cheapLimit, sm.expensiveLimit),
	}
	sm.sessions[id] = sess
	sm.ipCounts[ip]++

	if sm.metrics != nil {
		sm.metrics.sessionsCreated.Inc()
		sm.metrics.activeSessions.Set(float64(len(sm.sessions)))
	}
	return sess, nil
}

// Remove unregisters a session and decrements its IP's counter.
func (sm *SessionManager) Remove(id uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[id]
	if !ok {
		return
	}
	delete(sm.sessions, id)
	sm.ipCounts[sess.IP]--
	if sm.ipCounts[sess.IP] <= 0 {
		delete(sm.ipCounts, sess.IP)
	}
	sess.setState(Closed)
	if sm.metrics != nil {
		sm.metrics.activeSessions.Set(float64(len(sm.sessions)))
	}
}

func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsForUser returns every live session authenticated as userID
// (a user may have more than one connection).
func (sm *SessionManager) SessionsForUser(userID uint64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []*Session
	for _, s := range sm.sessions {
		if id, ok := s.UserID(); ok && id == userID {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastAll delivers p to every authenticated session, per spec
// 4.G's non-channel-scoped case (role/channel/user changes).
func (sm *SessionManager) BroadcastAll(p protocol.Packet, onDead func(id uint64)) int {
	sm.mu.RLock()
	var dead []uint64
	delivered := 0
	for _, sess := range sm.sessions {
		if _, ok := sess.UserID(); !ok {
			continue
		}
		if err := sess.send(p); err != nil {
			dead = append(dead, sess.ID)
			continue
		}
		delivered++
	}
	sm.mu.RUnlock()

	for _, id := range dead {
		if onDead != nil {
			onDead(id)
		}
	}
	return delivered
}

// BroadcastFiltered delivers p to every authenticated session for which
// allow returns true, per spec 4.G's channel-scoped case: allow is the
// caller's live READ check against the channel's current overrides.
func (sm *SessionManager) BroadcastFiltered(p protocol.Packet, allow func(userID uint64) bool, onDead func(id uint64)) int {
	sm.mu.RLock()
	var dead []uint64
	delivered := 0
	for _, sess := range sm.sessions {
		id, ok := sess.UserID()
		if !ok || !allow(id) {
			continue
		}
		if err := sess.send(p); err != nil {
			dead = append(dead, sess.ID)
			continue
		}
		delivered++
	}
	sm.mu.RUnlock()

	for _, id := range dead {
		if onDead != nil {
			onDead(id)
		}
	}
	return delivered
}
