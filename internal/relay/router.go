package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/quota"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// UserStore holds app accounts. CreateUser reports a taken e-mail with an
// error wrapping storage.ErrExists; User reports an unknown one with
// storage.ErrNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) error
	User(ctx context.Context, email string) (*storage.User, error)
}

// Options tunes the router.
type Options struct {
	BcryptCost          int
	LoginRateLimit      int           // failed-or-not login attempts per remote host
	LoginRateWindow     time.Duration // window for LoginRateLimit
	NotificationMaxBody int           // characters
	TweetWindow         time.Duration // one tweet per dashboard per window
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		BcryptCost:          bcrypt.DefaultCost,
		LoginRateLimit:      10,
		LoginRateWindow:     time.Minute,
		NotificationMaxBody: 140,
		TweetWindow:         time.Minute,
	}
}

// errUnhandled marks a command that fell through a role's dispatch switch.
var errUnhandled = fmt.Errorf("unhandled command: %w", ErrIllegalCommand)

// Router is the per-role command state machine. Handle runs on the read
// goroutine of the session, so messages of one session are processed in
// order.
type Router struct {
	log        zerolog.Logger
	opts       Options
	registry   *Registry
	dashboards *DashboardStore
	offline    *OfflineQueue
	users      UserStore
	io         BlockingIO
	gateway    *Gateway
	logins     *quota.Window
	now        func() time.Time
}

// NewRouter wires the routing core.
func NewRouter(log zerolog.Logger, opts Options, registry *Registry, dashboards *DashboardStore, users UserStore, io BlockingIO) *Router {
	return &Router{
		log:        log.With().Str("component", "router").Logger(),
		opts:       opts,
		registry:   registry,
		dashboards: dashboards,
		offline:    NewOfflineQueue(),
		users:      users,
		io:         io,
		gateway:    NewGateway(log, io, opts.NotificationMaxBody, opts.TweetWindow),
		logins:     quota.NewWindow(opts.LoginRateLimit, opts.LoginRateWindow),
		now:        time.Now,
	}
}

// Handle dispatches one decoded message from s.
func (r *Router) Handle(ctx context.Context, s *Session, m *protocol.Message) {
	var err error
	if s.role == RoleHardware {
		err = r.handleHardware(ctx, s, m)
	} else {
		err = r.handleApp(ctx, s, m)
	}
	if err != nil {
		r.fail(s, m, err)
	}
}

// Reject answers a frame that could not be decoded. Errors that left the
// stream unusable are ignored here; the transport closes the connection.
func (r *Router) Reject(s *Session, err error) {
	id, ok := protocol.RejectedID(err)
	if !ok {
		return
	}
	log := s.Logger()
	log.Debug().Err(err).Msg("rejected frame")
	s.Reply(id, protocol.StatusIllegalCommand)
}

func (r *Router) fail(s *Session, m *protocol.Message, err error) {
	log := s.Logger()
	if errors.Is(err, ErrAuth) {
		log.Warn().Err(err).Str("command", m.Command.String()).Msg("authentication failed, closing session")
		s.Close()
		return
	}

	status, known := statusFor(err)
	if known {
		log.Debug().Err(err).Str("command", m.Command.String()).Stringer("status", status).Msg("command refused")
	} else {
		log.Error().Err(err).Str("command", m.Command.String()).Msg("command failed")
	}
	s.Reply(m.ID, status)
}

// Disconnect unregisters s. When it was the last hardware session of its
// dashboard, the user's apps get a DeviceWentOffline push.
func (r *Router) Disconnect(ctx context.Context, s *Session) {
	s.Close()
	last, registered := r.registry.Unregister(s)
	if !registered {
		return
	}
	log := s.Logger()
	log.Debug().Msg("session unregistered")
	if s.role != RoleHardware || !last {
		return
	}

	push := protocol.NewResponseWithBody(0, protocol.StatusDeviceWentOffline, []byte(strconv.Itoa(s.dashID)))
	for _, app := range r.registry.AppsFor(s.userID) {
		app.Send(push)
	}

	d, err := r.dashboards.Get(ctx, s.userID, s.dashID)
	if err != nil {
		if !errors.Is(err, ErrIllegalCommand) {
			log.Error().Err(err).Msg("failed to load dashboard for offline notice")
		}
		return
	}
	r.gateway.DeviceOffline(d)
	log.Info().Msg("device went offline")
}

// PruneLimits forgets expired login attempts.
func (r *Router) PruneLimits() {
	r.logins.Prune()
}

// ═══════════════════════════════════════════════════════════════════════════
// APP
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) handleApp(ctx context.Context, s *Session, m *protocol.Message) error {
	if !s.Authenticated() {
		switch m.Command {
		case protocol.CmdRegister:
			return r.register(ctx, s, m)
		case protocol.CmdLogin:
			return r.appLogin(ctx, s, m)
		case protocol.CmdPing:
			s.Reply(m.ID, protocol.StatusOK)
			return nil
		case protocol.CmdResponse:
			return nil
		}
		return fmt.Errorf("%s before login: %w", m.Command, ErrNotAuthenticated)
	}

	switch m.Command {
	case protocol.CmdResponse:
		return nil
	case protocol.CmdPing:
		s.Reply(m.ID, protocol.StatusOK)
		return nil
	case protocol.CmdCreateDash:
		return r.createDash(ctx, s, m)
	case protocol.CmdSaveDash:
		return r.saveDash(ctx, s, m)
	case protocol.CmdDeleteDash:
		return r.deleteDash(ctx, s, m)
	case protocol.CmdSaveProfile:
		return r.saveProfile(ctx, s, m)
	case protocol.CmdLoadProfile:
		return r.loadProfile(ctx, s, m)
	case protocol.CmdActivate:
		return r.activate(ctx, s, m, true)
	case protocol.CmdDeactivate:
		return r.activate(ctx, s, m, false)
	case protocol.CmdGetToken:
		return r.token(ctx, s, m, false)
	case protocol.CmdRefreshToken:
		return r.token(ctx, s, m, true)
	case protocol.CmdHardware:
		return r.appHardware(ctx, s, m)
	case protocol.CmdGetGraphData:
		return r.graphData(ctx, s, m)
	case protocol.CmdEmail:
		return r.email(ctx, s, m)
	case protocol.CmdRegister, protocol.CmdLogin, protocol.CmdTweet, protocol.CmdPush:
		return fmt.Errorf("%s from app: %w", m.Command, ErrIllegalCommand)
	default:
		return errUnhandled
	}
}

func (r *Router) register(ctx context.Context, s *Session, m *protocol.Message) error {
	fields := m.Fields()
	if len(fields) != 2 || !strings.Contains(fields[0], "@") || fields[1] == "" {
		return fmt.Errorf("register: %w", ErrIllegalCommand)
	}
	email := strings.ToLower(fields[0])

	hash, err := bcrypt.GenerateFromPassword([]byte(fields[1]), r.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := r.users.CreateUser(ctx, email, string(hash)); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("register %s: %w", email, ErrUserAlreadyRegistered)
		}
		return err
	}
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) appLogin(ctx context.Context, s *Session, m *protocol.Message) error {
	host := remoteHost(s.remote)
	if !r.logins.Allow(host) {
		return fmt.Errorf("too many login attempts from %s: %w", host, ErrAuth)
	}

	fields := m.Fields()
	if len(fields) < 2 {
		return fmt.Errorf("login: %w", ErrAuth)
	}
	email := strings.ToLower(fields[0])

	u, err := r.users.User(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("login %s: %w", email, ErrAuth)
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(fields[1])) != nil {
		return fmt.Errorf("login %s: wrong password: %w", email, ErrAuth)
	}

	if err := r.registry.RegisterApp(email, s); err != nil {
		return err
	}
	r.logins.Reset(host)
	s.Reply(m.ID, protocol.StatusOK)

	log := s.Logger()
	log.Info().Msg("app logged in")
	return nil
}

func (r *Router) createDash(ctx context.Context, s *Session, m *protocol.Message) error {
	d, err := profile.ParseDashboard(m.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIllegalCommand, err)
	}
	if err := r.dashboards.Create(ctx, s.userID, d); err != nil {
		return err
	}
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) saveDash(ctx context.Context, s *Session, m *protocol.Message) error {
	d, err := profile.ParseDashboard(m.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIllegalCommand, err)
	}
	if err := r.dashboards.Save(ctx, s.userID, d); err != nil {
		return err
	}
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) deleteDash(ctx context.Context, s *Session, m *protocol.Message) error {
	dashID, err := dashIDField(m.Fields())
	if err != nil {
		return err
	}
	if err := r.dashboards.Delete(ctx, s.userID, dashID); err != nil {
		return err
	}
	r.registry.Evict(s.userID, dashID)
	r.offline.Discard(s.userID, dashID)
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) saveProfile(ctx context.Context, s *Session, m *protocol.Message) error {
	p, err := profile.Parse(m.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIllegalCommand, err)
	}
	if err := r.dashboards.ReplaceProfile(ctx, s.userID, p); err != nil {
		return err
	}
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) loadProfile(ctx context.Context, s *Session, m *protocol.Message) error {
	fields := m.Fields()

	var v any
	switch len(fields) {
	case 0:
		p, err := r.dashboards.Profile(ctx, s.userID)
		if err != nil {
			return err
		}
		v = p
	case 1:
		dashID, err := dashIDField(fields)
		if err != nil {
			return err
		}
		d, err := r.dashboards.Get(ctx, s.userID, dashID)
		if err != nil {
			return err
		}
		v = d
	default:
		return fmt.Errorf("loadProfile with %d fields: %w", len(fields), ErrIllegalCommand)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	s.Send(&protocol.Message{ID: m.ID, Command: protocol.CmdLoadProfile, Body: data})
	return nil
}

func (r *Router) activate(ctx context.Context, s *Session, m *protocol.Message, active bool) error {
	dashID, err := dashIDField(m.Fields())
	if err != nil {
		return err
	}
	if active {
		err = r.dashboards.Activate(ctx, s.userID, dashID)
	} else {
		err = r.dashboards.Deactivate(ctx, s.userID, dashID)
	}
	if err != nil {
		return err
	}
	s.Reply(m.ID, protocol.StatusOK)
	return nil
}

func (r *Router) token(ctx context.Context, s *Session, m *protocol.Message, refresh bool) error {
	dashID, err := dashIDField(m.Fields())
	if err != nil {
		return err
	}
	token, err := r.dashboards.Token(ctx, s.userID, dashID, refresh)
	if err != nil {
		return err
	}
	s.Send(protocol.New(m.ID, m.Command, token))
	return nil
}

// appHardware forwards "hardware <dashId> <cmd...>" to the dashboard's
// devices, without the dashboard id and with the same message id.
func (r *Router) appHardware(ctx context.Context, s *Session, m *protocol.Message) error {
	fields := m.Fields()
	if len(fields) < 2 {
		return fmt.Errorf("hardware without command: %w", ErrIllegalCommand)
	}
	dashID, err := dashIDField(fields[:1])
	if err != nil {
		return err
	}
	cmdFields := fields[1:]
	fwd := &protocol.Message{ID: m.ID, Command: protocol.CmdHardware, Body: protocol.JoinBody(cmdFields...)}

	var modes []profile.ModeSetting
	if profile.IsPinMode(cmdFields) {
		if pc, err := profile.ParsePinCommand(cmdFields); err == nil {
			modes = pc.Modes
		}
	}

	var result error
	err = r.dashboards.View(ctx, s.userID, dashID, func(d *profile.Dashboard) bool {
		if d == nil {
			result = fmt.Errorf("dashboard %d: %w", dashID, ErrIllegalCommand)
			return false
		}
		if !d.IsActive {
			result = fmt.Errorf("dashboard %d: %w", dashID, ErrNoActiveDashboard)
			return false
		}

		for _, ms := range modes {
			d.SetPinMode(profile.PinDigital, ms.Pin, ms.Mode)
		}

		targets := r.registry.HardwareFor(s.userID, dashID)
		if len(targets) == 0 {
			for _, ms := range modes {
				key := profile.PinKey{DashID: dashID, Type: profile.PinDigital, Pin: ms.Pin}
				replay := protocol.New(m.ID, protocol.CmdHardware, profile.PinModeCommand, strconv.Itoa(ms.Pin), ms.Mode)
				r.offline.Record(s.userID, key, replay)
			}
			result = fmt.Errorf("dashboard %d: %w", dashID, ErrDeviceNotInNetwork)
			return len(modes) > 0
		}
		for _, hw := range targets {
			hw.Send(fwd)
		}
		return len(modes) > 0
	})
	if err != nil {
		return err
	}
	return result
}

func (r *Router) graphData(ctx context.Context, s *Session, m *protocol.Message) error {
	reqs, del, err := parseGraphRequests(m.Fields())
	if err != nil {
		return fmt.Errorf("getgraphdata: %w: %w", ErrIllegalCommand, err)
	}
	if _, err := r.dashboards.Get(ctx, s.userID, reqs[0].DashID); err != nil {
		return err
	}
	if del {
		r.io.DeleteGraphData(s, s.userID, reqs[0], m.ID)
		return nil
	}
	r.io.ReadGraphData(s, s.userID, reqs, m.ID)
	return nil
}

func (r *Router) email(ctx context.Context, s *Session, m *protocol.Message) error {
	dashID, err := dashIDField(m.Fields())
	if err != nil {
		return err
	}
	d, err := r.dashboards.Get(ctx, s.userID, dashID)
	if err != nil {
		return err
	}
	token, err := r.dashboards.Token(ctx, s.userID, dashID, false)
	if err != nil {
		return err
	}
	r.gateway.MailToken(s, m.ID, s.userID, d, token)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HARDWARE
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) handleHardware(ctx context.Context, s *Session, m *protocol.Message) error {
	if !s.Authenticated() {
		switch m.Command {
		case protocol.CmdLogin:
			return r.hardwareLogin(ctx, s, m)
		case protocol.CmdResponse:
			return nil
		}
		return fmt.Errorf("%s before login: %w", m.Command, ErrNotAuthenticated)
	}

	switch m.Command {
	case protocol.CmdResponse:
		return nil
	case protocol.CmdPing:
		s.Reply(m.ID, protocol.StatusOK)
		return nil
	case protocol.CmdHardware:
		return r.hardwareWrite(ctx, s, m)
	case protocol.CmdPush:
		return r.push(ctx, s, m)
	case protocol.CmdTweet:
		return r.tweet(ctx, s, m)
	case protocol.CmdRegister, protocol.CmdLogin, protocol.CmdSaveProfile, protocol.CmdLoadProfile,
		protocol.CmdGetToken, protocol.CmdActivate, protocol.CmdDeactivate, protocol.CmdRefreshToken,
		protocol.CmdGetGraphData, protocol.CmdEmail, protocol.CmdCreateDash, protocol.CmdSaveDash,
		protocol.CmdDeleteDash:
		return fmt.Errorf("%s from hardware: %w", m.Command, ErrIllegalCommand)
	default:
		return errUnhandled
	}
}

// hardwareLogin registers the device, acknowledges, then replays queued
// pin modes. The device only becomes visible to app traffic after the
// replay is queued, all under the user lock, so no pin mode recorded
// meanwhile is lost.
func (r *Router) hardwareLogin(ctx context.Context, s *Session, m *protocol.Message) error {
	fields := m.Fields()
	if len(fields) != 1 || fields[0] == "" {
		return fmt.Errorf("login without token: %w", ErrAuth)
	}
	if err := r.registry.RegisterHardware(ctx, fields[0], s); err != nil {
		return err
	}

	missing := false
	replayed := 0
	err := r.dashboards.View(ctx, s.userID, s.dashID, func(d *profile.Dashboard) bool {
		if d == nil {
			missing = true
			return false
		}
		if d.IsActive {
			s.owner.Store(true)
		}
		s.Reply(m.ID, protocol.StatusOK)
		for _, pm := range r.offline.Drain(s.userID, s.dashID) {
			s.Send(pm)
			replayed++
		}
		s.online.Store(true)
		return false
	})
	if err != nil {
		r.registry.Unregister(s)
		return err
	}
	if missing {
		r.registry.Unregister(s)
		return fmt.Errorf("dashboard %d no longer exists: %w", s.dashID, ErrAuth)
	}

	log := s.Logger()
	log.Info().Int("replayed", replayed).Msg("hardware logged in")
	return nil
}

// hardwareWrite relays a device command to the user's apps with the
// dashboard id prefixed.
func (r *Router) hardwareWrite(ctx context.Context, s *Session, m *protocol.Message) error {
	if !s.bucket.TryConsume() {
		if s.bucket.Dropped() == 1 {
			log := s.Logger()
			log.Warn().Int("capacity", s.bucket.Capacity()).Msg("hardware quota exceeded, dropping messages")
		}
		return nil
	}

	fields := m.Fields()
	if len(fields) == 0 {
		return fmt.Errorf("empty hardware command: %w", ErrIllegalCommand)
	}
	pc, perr := profile.ParsePinCommand(fields)

	var result error
	err := r.dashboards.View(ctx, s.userID, s.dashID, func(d *profile.Dashboard) bool {
		if d == nil {
			result = fmt.Errorf("dashboard %d: %w", s.dashID, ErrIllegalCommand)
			return false
		}
		if d.IsActive {
			s.owner.Store(true)
		}
		if !s.owner.Load() {
			result = fmt.Errorf("dashboard %d: %w", s.dashID, ErrNoActiveDashboard)
			return false
		}

		changed := false
		body := m.Body
		if perr == nil {
			switch pc.Op {
			case profile.OpWrite:
				d.SetPin(pc.Type, pc.Pin, pc.Value())
				changed = true
				if d.GraphBound(pc.Type, pc.Pin) {
					ts := r.now().UnixMilli()
					body = protocol.JoinBody(append(fields, strconv.FormatInt(ts, 10))...)
					r.io.StoreGraphValue(s.userID, GraphValue{
						DashID:  s.dashID,
						PinType: pc.Type,
						Pin:     pc.Pin,
						TS:      ts,
						Value:   pc.Value(),
					})
				}
			case profile.OpMode:
				for _, ms := range pc.Modes {
					d.SetPinMode(profile.PinDigital, ms.Pin, ms.Mode)
				}
				changed = true
			}
		}

		fwd := &protocol.Message{
			ID:      m.ID,
			Command: protocol.CmdHardware,
			Body:    append(append([]byte(strconv.Itoa(s.dashID)), protocol.Separator), body...),
		}
		for _, app := range r.registry.AppsFor(s.userID) {
			app.Send(fwd)
		}
		return changed
	})
	if err != nil {
		return err
	}
	return result
}

func (r *Router) push(ctx context.Context, s *Session, m *protocol.Message) error {
	d, err := r.ownDashboard(ctx, s)
	if err != nil {
		return err
	}
	return r.gateway.Push(s, m.ID, d, strings.Join(m.Fields(), " "))
}

func (r *Router) tweet(ctx context.Context, s *Session, m *protocol.Message) error {
	d, err := r.ownDashboard(ctx, s)
	if err != nil {
		return err
	}
	return r.gateway.Tweet(s, m.ID, s.userID, d, strings.Join(m.Fields(), " "))
}

// ownDashboard returns the hardware session's dashboard, or nil if it was
// deleted.
func (r *Router) ownDashboard(ctx context.Context, s *Session) (*profile.Dashboard, error) {
	d, err := r.dashboards.Get(ctx, s.userID, s.dashID)
	if errors.Is(err, ErrIllegalCommand) {
		return nil, nil
	}
	return d, err
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func dashIDField(fields []string) (int, error) {
	if len(fields) != 1 {
		return 0, fmt.Errorf("want dashboard id, got %d fields: %w", len(fields), ErrIllegalCommand)
	}
	id, err := profile.ParseDashID(fields[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIllegalCommand, err)
	}
	return id, nil
}

var graphPeriods = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// parseGraphRequests parses "dashId (pinType pin count period)+" or
// "dashId pinType pin del".
func parseGraphRequests(fields []string) ([]GraphRequest, bool, error) {
	if len(fields) < 4 {
		return nil, false, fmt.Errorf("want at least 4 fields, got %d", len(fields))
	}
	dashID, err := profile.ParseDashID(fields[0])
	if err != nil {
		return nil, false, err
	}
	rest := fields[1:]

	if len(rest) == 3 && rest[2] == "del" {
		pt, pin, err := parseGraphPin(rest[0], rest[1])
		if err != nil {
			return nil, false, err
		}
		return []GraphRequest{{DashID: dashID, PinType: pt, Pin: pin}}, true, nil
	}

	if len(rest)%4 != 0 {
		return nil, false, fmt.Errorf("pin groups need 4 fields, got %d", len(rest))
	}
	reqs := make([]GraphRequest, 0, len(rest)/4)
	for i := 0; i < len(rest); i += 4 {
		pt, pin, err := parseGraphPin(rest[i], rest[i+1])
		if err != nil {
			return nil, false, err
		}
		count, err := strconv.Atoi(rest[i+2])
		if err != nil || count <= 0 {
			return nil, false, fmt.Errorf("invalid count %q", rest[i+2])
		}
		period, ok := graphPeriods[rest[i+3]]
		if !ok {
			return nil, false, fmt.Errorf("invalid period %q", rest[i+3])
		}
		reqs = append(reqs, GraphRequest{DashID: dashID, PinType: pt, Pin: pin, Count: count, Period: period})
	}
	return reqs, false, nil
}

func parseGraphPin(typ, pin string) (profile.PinType, int, error) {
	pt, err := profile.ParsePinType(typ)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(pin)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid pin %q", pin)
	}
	return pt, n, nil
}

func remoteHost(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
