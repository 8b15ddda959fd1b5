package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/pinrelay/internal/quota"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
)

// TokenResolver maps a device token to its user and dashboard. Unknown
// tokens are reported with an error wrapping storage.ErrNotFound.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (userID string, dashID int, err error)
}

type dashKey struct {
	userID string
	dashID int
}

// Registry maintains the live sessions: hardware by token and by
// dashboard, apps by user. One mutex makes every registration and removal
// atomic with respect to lookups.
type Registry struct {
	log      zerolog.Logger
	resolver TokenResolver

	quotaCapacity int
	quotaInterval time.Duration

	mu       sync.RWMutex
	byToken  map[string]*Session
	byDash   map[dashKey]map[*Session]struct{}
	apps     map[string]map[*Session]struct{}
	shutdown bool
}

// NewRegistry creates an empty registry. Hardware sessions get a fresh
// quota bucket of the given capacity and refill interval on every login.
func NewRegistry(log zerolog.Logger, resolver TokenResolver, quotaCapacity int, quotaInterval time.Duration) *Registry {
	return &Registry{
		log:           log.With().Str("component", "registry").Logger(),
		resolver:      resolver,
		quotaCapacity: quotaCapacity,
		quotaInterval: quotaInterval,
		byToken:       make(map[string]*Session),
		byDash:        make(map[dashKey]map[*Session]struct{}),
		apps:          make(map[string]map[*Session]struct{}),
	}
}

// RegisterHardware resolves token, binds s to its user and dashboard and
// makes it the session for that token. A previous session with the same
// token is closed before RegisterHardware returns.
func (r *Registry) RegisterHardware(ctx context.Context, token string, s *Session) error {
	userID, dashID, err := r.resolver.ResolveToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("token %s: %w", tokenPrefix(token), ErrAuth)
	}
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	s.bindHardware(userID, dashID, token, quota.NewBucket(r.quotaCapacity, r.quotaInterval))

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	key := dashKey{userID, dashID}
	old := r.byToken[token]
	if old == s {
		old = nil
	}
	if old != nil {
		// Removed here so its later Unregister reports nothing.
		delete(r.byDash[key], old)
	}
	r.byToken[token] = s
	set := r.byDash[key]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byDash[key] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()

	if old != nil {
		old.Close()
		r.log.Warn().
			Str("user", userID).
			Int("dash", dashID).
			Uint64("replaced", old.id).
			Msg("replaced duplicate hardware session")
	}

	r.log.Debug().
		Str("user", userID).
		Int("dash", dashID).
		Str("remote", s.remote).
		Msg("hardware registered")
	return nil
}

// RegisterApp binds s to userID.
func (r *Registry) RegisterApp(userID string, s *Session) error {
	s.bindApp(userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return ErrShutdown
	}
	set := r.apps[userID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.apps[userID] = set
	}
	set[s] = struct{}{}

	r.log.Debug().Str("user", userID).Str("remote", s.remote).Msg("app registered")
	return nil
}

// Unregister removes s. registered is false when s was never registered or
// was already removed (superseded, evicted). For hardware, last reports
// that no other hardware session remains for its dashboard.
func (r *Registry) Unregister(s *Session) (last, registered bool) {
	s.online.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.Authenticated() {
		return false, false
	}

	if s.role == RoleApp {
		set := r.apps[s.userID]
		if _, ok := set[s]; !ok {
			return false, false
		}
		delete(set, s)
		if len(set) == 0 {
			delete(r.apps, s.userID)
		}
		return false, true
	}

	if r.byToken[s.token] == s {
		delete(r.byToken, s.token)
	}
	key := dashKey{s.userID, s.dashID}
	set := r.byDash[key]
	if _, ok := set[s]; !ok {
		return false, false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byDash, key)
		return true, true
	}
	return false, true
}

// Evict removes every hardware session of a dashboard and closes them.
// Evicted sessions unregister silently.
func (r *Registry) Evict(userID string, dashID int) int {
	key := dashKey{userID, dashID}

	r.mu.Lock()
	set := r.byDash[key]
	delete(r.byDash, key)
	evicted := make([]*Session, 0, len(set))
	for s := range set {
		if r.byToken[s.token] == s {
			delete(r.byToken, s.token)
		}
		evicted = append(evicted, s)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.Close()
	}
	if len(evicted) > 0 {
		r.log.Info().Str("user", userID).Int("dash", dashID).Int("sessions", len(evicted)).Msg("evicted hardware sessions")
	}
	return len(evicted)
}

// HardwareFor returns the online hardware sessions of a dashboard.
func (r *Registry) HardwareFor(userID string, dashID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byDash[dashKey{userID, dashID}]
	out := make([]*Session, 0, len(set))
	for s := range set {
		if s.online.Load() {
			out = append(out, s)
		}
	}
	return out
}

// AppsFor returns the app sessions of a user.
func (r *Registry) AppsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.apps[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Counts returns the number of registered hardware and app sessions.
func (r *Registry) Counts() (hardware, apps int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.byDash {
		hardware += len(set)
	}
	for _, set := range r.apps {
		apps += len(set)
	}
	return hardware, apps
}

// Shutdown closes every session and rejects further registrations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	var all []*Session
	for _, set := range r.byDash {
		for s := range set {
			all = append(all, s)
		}
	}
	for _, set := range r.apps {
		for s := range set {
			all = append(all, s)
		}
	}
	r.byToken = make(map[string]*Session)
	r.byDash = make(map[dashKey]map[*Session]struct{})
	r.apps = make(map[string]map[*Session]struct{})
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	r.log.Info().Int("sessions", len(all)).Msg("registry shut down")
}
