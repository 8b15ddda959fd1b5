package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ═══════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════

type tokenRef struct {
	userID string
	dashID int
}

// memStore implements ProfileStore, TokenResolver and UserStore in memory.
// Profiles are kept as JSON so callers never share pointers with it.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*storage.User
	profiles map[string][]byte
	tokens   map[string]tokenRef
	saveErr  error
	saves    int
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*storage.User),
		profiles: make(map[string][]byte),
		tokens:   make(map[string]tokenRef),
	}
}

func (m *memStore) CreateUser(_ context.Context, email, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return fmt.Errorf("user %s: %w", email, storage.ErrExists)
	}
	m.users[email] = &storage.User{Email: email, PasswordHash: hash, CreatedAt: time.Now()}
	return nil
}

func (m *memStore) User(_ context.Context, email string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return u, nil
}

func (m *memStore) LoadProfile(_ context.Context, userID string) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.profiles[userID]
	if !ok {
		return &profile.Profile{}, nil
	}
	return profile.Parse(data)
}

func (m *memStore) SaveProfile(_ context.Context, userID string, p *profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.profiles[userID] = data
	m.saves++
	return nil
}

func (m *memStore) ResolveToken(_ context.Context, token string) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.tokens[token]
	if !ok {
		return "", 0, fmt.Errorf("token: %w", storage.ErrNotFound)
	}
	return ref.userID, ref.dashID, nil
}

func (m *memStore) Token(_ context.Context, userID string, dashID int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, ref := range m.tokens {
		if ref == (tokenRef{userID, dashID}) {
			return tok, nil
		}
	}
	return "", fmt.Errorf("token: %w", storage.ErrNotFound)
}

func (m *memStore) SetToken(_ context.Context, userID string, dashID int, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, ref := range m.tokens {
		if ref == (tokenRef{userID, dashID}) {
			delete(m.tokens, tok)
		}
	}
	m.tokens[token] = tokenRef{userID, dashID}
	return nil
}

func (m *memStore) DeleteTokens(_ context.Context, userID string, dashID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, ref := range m.tokens {
		if ref == (tokenRef{userID, dashID}) {
			delete(m.tokens, tok)
		}
	}
	return nil
}

func (m *memStore) storedProfile(t *testing.T, userID string) *profile.Profile {
	t.Helper()
	p, err := m.LoadProfile(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type ioCall struct {
	kind  string
	args  []string
	msgID uint16
	r     Replier
	reqs  []GraphRequest
}

// fakeIO records submissions instead of running them.
type fakeIO struct {
	mu     sync.Mutex
	calls  []ioCall
	values []GraphValue
}

func (f *fakeIO) record(c ioCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeIO) Mail(r Replier, to, subject, body string, msgID uint16) {
	f.record(ioCall{kind: "mail", args: []string{to, subject, body}, msgID: msgID, r: r})
}

func (f *fakeIO) Twit(r Replier, token, secret, text string, msgID uint16) {
	f.record(ioCall{kind: "twit", args: []string{token, secret, text}, msgID: msgID, r: r})
}

func (f *fakeIO) Push(r Replier, target, body string, msgID uint16) {
	f.record(ioCall{kind: "push", args: []string{target, body}, msgID: msgID, r: r})
}

func (f *fakeIO) ReadGraphData(r Replier, userID string, reqs []GraphRequest, msgID uint16) {
	f.record(ioCall{kind: "graph", args: []string{userID}, msgID: msgID, r: r, reqs: reqs})
}

func (f *fakeIO) DeleteGraphData(r Replier, userID string, req GraphRequest, msgID uint16) {
	f.record(ioCall{kind: "graph-del", args: []string{userID}, msgID: msgID, r: r, reqs: []GraphRequest{req}})
}

func (f *fakeIO) StoreGraphValue(_ string, v GraphValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, v)
}

func (f *fakeIO) callsOf(kind string) []ioCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ioCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// HARNESS
// ═══════════════════════════════════════════════════════════════════════════

const (
	testUser     = "dima@mail.ua"
	testPassword = "1"
	testToken    = "4ae3851817194e2596cf1b7103603ef8"
)

// defaultProfile has dashboard 1 active with a NOTIFICATION widget and a
// GRAPH widget on a8.
const defaultProfile = `{"dashBoards":[{"id":1,"name":"My Dashboard","boardType":"UNO","isActive":true,"widgets":[` +
	`{"id":1,"type":"NOTIFICATION","target":"push-target","notifyWhenOffline":true},` +
	`{"id":2,"type":"GRAPH","pinType":"a","pin":8}]}]}`

type testRelay struct {
	t          *testing.T
	ctx        context.Context
	store      *memStore
	io         *fakeIO
	registry   *Registry
	dashboards *DashboardStore
	router     *Router
}

func newTestRelay(t *testing.T, quotaCapacity int, quotaInterval time.Duration) *testRelay {
	t.Helper()
	log := zerolog.Nop()
	store := newMemStore()
	io := &fakeIO{}
	opts := DefaultOptions()
	opts.BcryptCost = bcrypt.MinCost

	registry := NewRegistry(log, store, quotaCapacity, quotaInterval)
	dashboards := NewDashboardStore(log, store)
	return &testRelay{
		t:          t,
		ctx:        context.Background(),
		store:      store,
		io:         io,
		registry:   registry,
		dashboards: dashboards,
		router:     NewRouter(log, opts, registry, dashboards, store, io),
	}
}

// seedUser creates the test user with the given profile JSON and a device
// token for each listed dashboard.
func (tr *testRelay) seedUser(profileJSON string, tokens map[int]string) {
	tr.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		tr.t.Fatal(err)
	}
	if err := tr.store.CreateUser(tr.ctx, testUser, string(hash)); err != nil {
		tr.t.Fatal(err)
	}
	p, err := profile.Parse([]byte(profileJSON))
	if err != nil {
		tr.t.Fatal(err)
	}
	if err := tr.store.SaveProfile(tr.ctx, testUser, p); err != nil {
		tr.t.Fatal(err)
	}
	for dashID, tok := range tokens {
		_ = tr.store.SetToken(tr.ctx, testUser, dashID, tok)
	}
}

func (tr *testRelay) newSession(role Role) *Session {
	return NewSession(zerolog.Nop(), role, "10.0.0.1:50000", 1024)
}

func (tr *testRelay) send(s *Session, id uint16, line string) {
	tr.router.Handle(tr.ctx, s, protocol.MustParseLine(id, line))
}

func (tr *testRelay) loginApp() *Session {
	tr.t.Helper()
	s := tr.newSession(RoleApp)
	tr.send(s, 1, "login "+testUser+" "+testPassword)
	expectResponse(tr.t, s, 1, protocol.StatusOK)
	return s
}

func (tr *testRelay) loginHardware(token string) *Session {
	tr.t.Helper()
	s := tr.newSession(RoleHardware)
	tr.send(s, 1, "login "+token)
	expectResponse(tr.t, s, 1, protocol.StatusOK)
	return s
}

func next(t *testing.T, s *Session) *protocol.Message {
	t.Helper()
	select {
	case m := <-s.Outbound():
		return m
	default:
		t.Fatal("expected a message, got none")
		return nil
	}
}

func expectResponse(t *testing.T, s *Session, id uint16, status protocol.Status) {
	t.Helper()
	m := next(t, s)
	if m.Command != protocol.CmdResponse || m.ID != id || m.Status != status {
		t.Fatalf("got %v, want response#%d %s", m, id, status)
	}
}

func expectMessage(t *testing.T, s *Session, want *protocol.Message) {
	t.Helper()
	m := next(t, s)
	if m.ID != want.ID || m.Command != want.Command || m.Status != want.Status || string(m.Body) != string(want.Body) {
		t.Fatalf("got %v, want %v", m, want)
	}
}

func expectNone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case m := <-s.Outbound():
		t.Fatalf("expected no message, got %v", m)
	default:
	}
}

func hw(id uint16, body string) *protocol.Message {
	return protocol.MustParseLine(id, "hardware "+body)
}
