// Package relay pairs hardware and app sessions and dispatches the commands
// they exchange.
package relay

import (
	"sync"
	"sync/atomic"

	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/quota"
	"github.com/rs/zerolog"
)

// Role tells which side of the relay a session is.
type Role uint8

const (
	RoleApp Role = iota
	RoleHardware
)

func (r Role) String() string {
	if r == RoleHardware {
		return "hardware"
	}
	return "app"
}

var sessionSeq atomic.Uint64

// Session is one live connection. The transport creates it, drains
// Outbound on its writer and stops once Done is closed.
type Session struct {
	log    zerolog.Logger
	id     uint64
	role   Role
	remote string

	mu     sync.Mutex // guards closed and sends on out
	closed bool
	out    chan *protocol.Message
	done   chan struct{}

	// Set once at login, before the session is published to the registry.
	userID string
	dashID int
	token  string
	bucket *quota.Bucket

	authenticated atomic.Bool
	// online is set once the login reply and offline replay are queued.
	online atomic.Bool
	// owner is set once the session has seen its dashboard active.
	owner atomic.Bool
}

// NewSession creates an unauthenticated session with an outbound buffer of
// the given size.
func NewSession(log zerolog.Logger, role Role, remote string, buffer int) *Session {
	id := sessionSeq.Add(1)
	return &Session{
		log: log.With().
			Str("component", "session").
			Uint64("session", id).
			Str("role", role.String()).
			Str("remote", remote).
			Logger(),
		id:     id,
		role:   role,
		remote: remote,
		out:    make(chan *protocol.Message, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues m for delivery. It never blocks: a closed session ignores
// the message and a full buffer drops it. Reports whether m was queued.
func (s *Session) Send(m *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.out <- m:
		return true
	default:
		s.log.Warn().Str("message", m.String()).Msg("send buffer full, message dropped")
		return false
	}
}

// Reply answers a request with a bare status.
func (s *Session) Reply(id uint16, status protocol.Status) {
	s.Send(protocol.NewResponse(id, status))
}

// Outbound is drained by the transport writer.
func (s *Session) Outbound() <-chan *protocol.Message {
	return s.out
}

// Close stops the session. Messages already queued may still be flushed by
// the writer; later sends are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Role() Role          { return s.role }
func (s *Session) Remote() string      { return s.remote }
func (s *Session) UserID() string      { return s.userID }
func (s *Session) DashID() int         { return s.dashID }
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// Logger returns the session logger, enriched with user and dashboard once
// bound.
func (s *Session) Logger() zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *Session) bindApp(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.log = s.log.With().Str("user", userID).Logger()
	s.authenticated.Store(true)
}

func (s *Session) bindHardware(userID string, dashID int, token string, bucket *quota.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.dashID = dashID
	s.token = token
	s.bucket = bucket
	s.log = s.log.With().
		Str("user", userID).
		Int("dash", dashID).
		Str("token", tokenPrefix(token)).
		Logger()
	s.authenticated.Store(true)
}

func tokenPrefix(token string) string {
	if len(token) > 6 {
		return token[:6]
	}
	return token
}
