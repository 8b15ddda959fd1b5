package relay

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/quota"
)

func TestRouter_DashboardLifecycle(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, nil)
	app := tr.loginApp()

	steps := []struct {
		line string
		want protocol.Status
	}{
		{`saveDash {"id":10, "name":"test board update"}`, protocol.StatusIllegalCommand},
		{`createDash {"id":10, "name":"test board"}`, protocol.StatusOK},
		{`createDash {"id":10, "name":"test board"}`, protocol.StatusNotAllowed},
		{`saveDash {"id":10, "name":"test board update"}`, protocol.StatusOK},
		{`deleteDash 1`, protocol.StatusOK},
		{`deleteDash 1`, protocol.StatusIllegalCommand},
	}
	for i, st := range steps {
		id := uint16(i + 1)
		tr.send(app, id, st.line)
		expectResponse(t, app, id, st.want)
	}

	tr.send(app, 7, "loadProfile")
	expectMessage(t, app, &protocol.Message{ID: 7, Command: protocol.CmdLoadProfile, Body: []byte(
		`{"dashBoards":[{"id":10,"name":"test board update","keepScreenOn":false,"isSharedPublic":false,"isActive":false}]}`)})

	tr.send(app, 8, "loadProfile 10")
	expectMessage(t, app, &protocol.Message{ID: 8, Command: protocol.CmdLoadProfile, Body: []byte(
		`{"id":10,"name":"test board update","keepScreenOn":false,"isSharedPublic":false,"isActive":false}`)})

	tr.send(app, 9, "loadProfile 1")
	expectResponse(t, app, 9, protocol.StatusIllegalCommand)

	if p := tr.store.storedProfile(t, testUser); len(p.Dashboards) != 1 || p.Dashboards[0].ID != 10 {
		t.Errorf("persisted profile = %+v", p.Dashboards)
	}
}

func TestRouter_FailedLifecycleDoesNotMutate(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, nil)
	app := tr.loginApp()

	tr.send(app, 1, "loadProfile")
	before := string(next(t, app).Body)

	for i, line := range []string{
		`saveDash {"id":5, "name":"nope"}`,
		`createDash {"id":1, "name":"dup"}`,
		`createDash {"name":"no id"}`,
		`createDash not json`,
		`activate 9`,
		`deactivate 9`,
		`deleteDash 9`,
		`saveProfile {"dashBoards":[{"id":1},{"id":1}]}`,
	} {
		tr.send(app, uint16(i+2), line)
		if m := next(t, app); m.Status == protocol.StatusOK {
			t.Errorf("%q succeeded", line)
		}
	}

	tr.send(app, 20, "loadProfile")
	if after := string(next(t, app).Body); after != before {
		t.Errorf("profile changed:\nbefore %s\nafter  %s", before, after)
	}
}

func TestRouter_ExclusiveActivation(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(`{"dashBoards":[{"id":1,"isActive":true},{"id":2},{"id":3}]}`, nil)
	app := tr.loginApp()

	for i, id := range []string{"2", "3", "1", "3"} {
		tr.send(app, uint16(i+1), "activate "+id)
		expectResponse(t, app, uint16(i+1), protocol.StatusOK)

		p, err := tr.dashboards.Profile(tr.ctx, testUser)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range p.Dashboards {
			if d.IsActive != (strconv.Itoa(d.ID) == id) {
				t.Errorf("after activate %s: dashboard %d active = %v", id, d.ID, d.IsActive)
			}
		}
	}

	tr.send(app, 9, "deactivate 3")
	expectResponse(t, app, 9, protocol.StatusOK)
	if p, _ := tr.dashboards.Profile(tr.ctx, testUser); p.Active() != nil {
		t.Errorf("Active() after deactivate = %d", p.Active().ID)
	}

	tr.send(app, 10, "activate 7")
	expectResponse(t, app, 10, protocol.StatusIllegalCommand)
}

func TestRouter_AppToHardware(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	tr.send(app, 1, "hardware 1 dw 1")
	expectMessage(t, dev, hw(1, "dw 1"))
	expectNone(t, app)

	tr.send(app, 2, "hardware 7 dw 1")
	expectResponse(t, app, 2, protocol.StatusIllegalCommand)

	tr.send(app, 3, "hardware 1")
	expectResponse(t, app, 3, protocol.StatusIllegalCommand)

	tr.send(app, 4, "deactivate 1")
	expectResponse(t, app, 4, protocol.StatusOK)
	tr.send(app, 5, "hardware 1 ar 1 1")
	expectResponse(t, app, 5, protocol.StatusNoActiveDashboard)
	expectNone(t, dev)

	tr.send(app, 6, "activate 1")
	expectResponse(t, app, 6, protocol.StatusOK)
	tr.send(app, 7, "hardware 1 ar 1 1")
	expectMessage(t, dev, hw(7, "ar 1 1"))
}

func TestRouter_HardwareToApps(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app1 := tr.loginApp()
	app2 := tr.loginApp()
	dev := tr.loginHardware(testToken)

	tr.send(dev, 1, "hardware aw 1 1")
	expectMessage(t, app1, hw(1, "1 aw 1 1"))
	expectMessage(t, app2, hw(1, "1 aw 1 1"))
	expectNone(t, dev)

	d, err := tr.dashboards.Get(tr.ctx, testUser, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := d.Pin(profile.PinAnalog, 1); !ok || st.Value != "1" {
		t.Errorf("pin a1 = %+v, %v; want value 1", st, ok)
	}

	// unparseable commands are relayed as-is
	tr.send(dev, 2, "hardware vw 10 aaaa")
	expectMessage(t, app1, hw(2, "1 vw 10 aaaa"))
	tr.send(dev, 3, "hardware xx")
	expectMessage(t, app1, hw(3, "1 xx"))
}

func TestRouter_GraphPinIsTimestamped(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tr.router.now = func() time.Time { return now }

	tr.send(dev, 1, "hardware aw 8 333")
	m := next(t, app)
	prefix := "1\x00aw\x008\x00333"
	if m.ID != 1 || !strings.HasPrefix(string(m.Body), prefix) {
		t.Fatalf("forward = %v", m)
	}
	if got, want := len(m.Body), len(prefix)+14; got != want {
		t.Errorf("body length = %d, want %d", got, want)
	}
	if len(tr.io.values) != 1 || tr.io.values[0].TS != now.UnixMilli() || tr.io.values[0].Value != "333" {
		t.Errorf("stored graph values = %+v", tr.io.values)
	}

	// not graph-bound
	tr.send(dev, 2, "hardware aw 11 333")
	expectMessage(t, app, hw(2, "1 aw 11 333"))
	if len(tr.io.values) != 1 {
		t.Errorf("non-graph pin stored: %+v", tr.io.values)
	}
}

func TestRouter_ActivationRule(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(`{"dashBoards":[{"id":1,"isActive":true},{"id":2},{"id":3}]}`,
		map[int]string{1: testToken, 2: "token-2", 3: "token-3"})
	app := tr.loginApp()
	owner := tr.loginHardware(testToken)
	other := tr.loginHardware("token-2")

	// never saw dashboard 2 active
	tr.send(other, 1, "hardware aw 1 1")
	expectResponse(t, other, 1, protocol.StatusNoActiveDashboard)
	expectNone(t, app)

	tr.send(owner, 1, "hardware aw 1 1")
	expectMessage(t, app, hw(1, "1 aw 1 1"))
	expectNone(t, owner)

	// the session that saw its dashboard active keeps the pairing
	tr.send(app, 1, "deactivate 1")
	expectResponse(t, app, 1, protocol.StatusOK)
	tr.send(owner, 2, "hardware aw 1 1")
	expectMessage(t, app, hw(2, "1 aw 1 1"))
	expectNone(t, owner)

	// app traffic to an inactive dashboard is refused
	tr.send(app, 2, "hardware 1 aw 1 1")
	expectResponse(t, app, 2, protocol.StatusNoActiveDashboard)
	expectNone(t, owner)

	tr.send(app, 3, "activate 2")
	expectResponse(t, app, 3, protocol.StatusOK)
	tr.send(other, 2, "hardware aw 1 1")
	expectMessage(t, app, hw(2, "2 aw 1 1"))

	tr.send(app, 4, "activate 3")
	expectResponse(t, app, 4, protocol.StatusOK)
	tr.send(other, 3, "hardware aw 1 1")
	expectMessage(t, app, hw(3, "2 aw 1 1"))

	// a device logging in to an inactive dashboard is not an owner
	late := tr.loginHardware("token-2")
	expectNone(t, other) // superseded and closed
	if !other.Closed() {
		t.Error("superseded session still open")
	}
	tr.send(late, 1, "hardware aw 1 1")
	expectResponse(t, late, 1, protocol.StatusNoActiveDashboard)
}

func TestRouter_HardwareQuota(t *testing.T) {
	tr := newTestRelay(t, 100, time.Hour)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	for i := 1; i <= 150; i++ {
		tr.send(dev, uint16(i), "hardware aw 1 1")
	}

	for i := 1; i <= 100; i++ {
		expectMessage(t, app, hw(uint16(i), "1 aw 1 1"))
	}
	expectNone(t, app)
	expectNone(t, dev)
	if got := dev.bucket.Dropped(); got != 50 {
		t.Errorf("Dropped() = %d, want 50", got)
	}

	// a reconnect starts with a fresh bucket
	dev2 := tr.loginHardware(testToken)
	tr.send(dev2, 200, "hardware aw 1 1")
	expectMessage(t, app, hw(200, "1 aw 1 1"))
}

func TestRouter_DeviceOfflineAndPinModeReplay(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	tr.router.Disconnect(tr.ctx, dev)
	expectMessage(t, app, protocol.NewResponseWithBody(0, protocol.StatusDeviceWentOffline, []byte("1")))

	pushes := tr.io.callsOf("push")
	if len(pushes) != 1 {
		t.Fatalf("push calls = %d, want 1", len(pushes))
	}
	if want := `Your UNO went offline. "My Dashboard" project is disconnected.`; pushes[0].args[1] != want || pushes[0].r != nil {
		t.Errorf("offline push = %+v", pushes[0])
	}

	tr.send(app, 1, "hardware 1 pm 13 in")
	expectResponse(t, app, 1, protocol.StatusDeviceNotInNetwork)
	tr.send(app, 2, "hardware 1 pm 7 in")
	expectResponse(t, app, 2, protocol.StatusDeviceNotInNetwork)
	tr.send(app, 3, "hardware 1 pm 13 out")
	expectResponse(t, app, 3, protocol.StatusDeviceNotInNetwork)
	tr.send(app, 4, "hardware 1 dw 13 1")
	expectResponse(t, app, 4, protocol.StatusDeviceNotInNetwork)

	if n := tr.router.offline.Len(testUser, 1); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}

	dev2 := tr.newSession(RoleHardware)
	tr.send(dev2, 1, "login "+testToken)
	expectResponse(t, dev2, 1, protocol.StatusOK)
	expectMessage(t, dev2, hw(3, "pm 13 out"))
	expectMessage(t, dev2, hw(2, "pm 7 in"))
	expectNone(t, dev2)

	d, _ := tr.dashboards.Get(tr.ctx, testUser, 1)
	if st, _ := d.Pin(profile.PinDigital, 13); st.Mode != "out" {
		t.Errorf("pin d13 mode = %q, want out", st.Mode)
	}

	// a second login replays nothing
	dev3 := tr.loginHardware(testToken)
	expectNone(t, dev3)
}

func TestRouter_MultiPinModeIsSplit(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()

	tr.send(app, 5, "hardware 1 pm 1 in 2 out")
	expectResponse(t, app, 5, protocol.StatusDeviceNotInNetwork)

	dev := tr.loginHardware(testToken)
	expectMessage(t, dev, hw(5, "pm 1 in"))
	expectMessage(t, dev, hw(5, "pm 2 out"))
	expectNone(t, dev)
}

func TestRouter_SupersededSessionIsSilent(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	first := tr.loginHardware(testToken)
	second := tr.loginHardware(testToken)

	if !first.Closed() {
		t.Fatal("first session not closed by second login")
	}
	tr.router.Disconnect(tr.ctx, first)
	expectNone(t, app)
	if len(tr.io.callsOf("push")) != 0 {
		t.Error("offline push sent for superseded session")
	}

	tr.send(second, 1, "hardware aw 1 1")
	expectMessage(t, app, hw(1, "1 aw 1 1"))
	tr.send(app, 2, "hardware 1 dw 1")
	expectMessage(t, second, hw(2, "dw 1"))
}

func TestRouter_DeleteDashEvictsDevices(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	tr.send(app, 1, "deleteDash 1")
	expectResponse(t, app, 1, protocol.StatusOK)
	if !dev.Closed() {
		t.Error("device of deleted dashboard still open")
	}
	tr.router.Disconnect(tr.ctx, dev)
	expectNone(t, app)

	again := tr.newSession(RoleHardware)
	tr.send(again, 1, "login "+testToken)
	expectNone(t, again)
	if !again.Closed() {
		t.Error("login with revoked token not closed")
	}
}

func TestRouter_Notifications(t *testing.T) {
	twitter := `{"dashBoards":[{"id":1,"name":"My Dashboard","isActive":true,"widgets":[` +
		`{"id":1,"type":"TWITTER","token":"token","secret":"secret"},` +
		`{"id":2,"type":"NOTIFICATION","target":"push-target"}]}]}`
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(twitter, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	tr.send(dev, 1, "tweet")
	expectResponse(t, dev, 1, protocol.StatusNotificationInvalidBody)
	tr.send(dev, 2, "tweet "+strings.Repeat("a", 141))
	expectResponse(t, dev, 2, protocol.StatusNotificationInvalidBody)

	body := strings.Repeat("a", 140)
	tr.send(dev, 3, "tweet "+body)
	expectNone(t, dev)
	twits := tr.io.callsOf("twit")
	if len(twits) != 1 || twits[0].args[0] != "token" || twits[0].args[1] != "secret" || twits[0].args[2] != body || twits[0].msgID != 3 {
		t.Fatalf("twit calls = %+v", twits)
	}

	tr.send(dev, 4, "tweet yo")
	expectResponse(t, dev, 4, protocol.StatusQuotaLimit)

	tr.send(dev, 5, "push Yo!")
	expectNone(t, dev)
	pushes := tr.io.callsOf("push")
	if len(pushes) != 1 || pushes[0].args[0] != "push-target" || pushes[0].args[1] != "Yo!" || pushes[0].msgID != 5 {
		t.Fatalf("push calls = %+v", pushes)
	}

	tr.send(app, 1, "deactivate 1")
	expectResponse(t, app, 1, protocol.StatusOK)
	tr.send(dev, 6, "push yo")
	expectResponse(t, dev, 6, protocol.StatusNotificationNotAuthorized)
	tr.send(dev, 7, "tweet yo")
	expectResponse(t, dev, 7, protocol.StatusNotificationNotAuthorized)
}

func TestRouter_TweetNeedsWidget(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	dev := tr.loginHardware(testToken)

	tr.send(dev, 1, "tweet yo")
	expectResponse(t, dev, 1, protocol.StatusNotificationNotAuthorized)
}

func TestRouter_GraphAndMail(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()

	tr.send(app, 1, "getgraphdata 1 d 8 24 h a 1 60 m")
	graphs := tr.io.callsOf("graph")
	if len(graphs) != 1 || graphs[0].msgID != 1 || graphs[0].args[0] != testUser {
		t.Fatalf("graph calls = %+v", graphs)
	}
	want := []GraphRequest{
		{DashID: 1, PinType: profile.PinDigital, Pin: 8, Count: 24, Period: time.Hour},
		{DashID: 1, PinType: profile.PinAnalog, Pin: 1, Count: 60, Period: time.Minute},
	}
	for i := range want {
		if graphs[0].reqs[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, graphs[0].reqs[i], want[i])
		}
	}

	tr.send(app, 2, "getgraphdata 1 d 8 del")
	if dels := tr.io.callsOf("graph-del"); len(dels) != 1 || dels[0].reqs[0].Pin != 8 {
		t.Errorf("graph-del calls = %+v", dels)
	}

	for i, bad := range []string{
		"getgraphdata 1 d 8 24",
		"getgraphdata 1 x 8 24 h",
		"getgraphdata 1 d 8 24 y",
		"getgraphdata 1 d 8 0 h",
		"getgraphdata 9 d 8 24 h",
	} {
		id := uint16(10 + i)
		tr.send(app, id, bad)
		expectResponse(t, app, id, protocol.StatusIllegalCommand)
	}

	tr.send(app, 3, "email 1")
	mails := tr.io.callsOf("mail")
	if len(mails) != 1 || mails[0].args[0] != testUser || mails[0].args[1] != "Auth Token for My Dashboard project" {
		t.Fatalf("mail calls = %+v", mails)
	}
	if !strings.HasPrefix(mails[0].args[2], "Auth Token for My Dashboard project") || !strings.HasSuffix(mails[0].args[2], testToken) {
		t.Errorf("mail body = %q", mails[0].args[2])
	}
}

func TestRouter_Tokens(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(`{"dashBoards":[{"id":1,"isActive":true},{"id":2}]}`, nil)
	app := tr.loginApp()

	tr.send(app, 1, "getToken 2")
	m := next(t, app)
	if m.Command != protocol.CmdGetToken || m.ID != 1 || len(m.Body) != 32 {
		t.Fatalf("getToken = %v", m)
	}
	first := string(m.Body)

	tr.send(app, 2, "getToken 2")
	if again := string(next(t, app).Body); again != first {
		t.Errorf("getToken returned a new token %q, want %q", again, first)
	}

	tr.send(app, 3, "refreshToken 2")
	m = next(t, app)
	if m.Command != protocol.CmdRefreshToken || string(m.Body) == first {
		t.Fatalf("refreshToken = %v", m)
	}

	dev := tr.newSession(RoleHardware)
	tr.send(dev, 1, "login "+first)
	if !dev.Closed() {
		t.Error("old token still accepted")
	}
	tr.loginHardware(string(m.Body))

	tr.send(app, 4, "getToken 5")
	expectResponse(t, app, 4, protocol.StatusIllegalCommand)
}

func TestRouter_AppAuthentication(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	app := tr.newSession(RoleApp)

	tr.send(app, 1, "loadProfile")
	expectResponse(t, app, 1, protocol.StatusUserNotAuthenticated)
	tr.send(app, 2, "ping")
	expectResponse(t, app, 2, protocol.StatusOK)

	tr.send(app, 3, "register bad-email 1")
	expectResponse(t, app, 3, protocol.StatusIllegalCommand)
	tr.send(app, 4, "register New@Mail.ua secret")
	expectResponse(t, app, 4, protocol.StatusOK)
	tr.send(app, 5, "register new@mail.ua other")
	expectResponse(t, app, 5, protocol.StatusUserAlreadyRegistered)

	tr.send(app, 6, "login new@mail.ua secret")
	expectResponse(t, app, 6, protocol.StatusOK)
	tr.send(app, 7, "loadProfile")
	expectMessage(t, app, &protocol.Message{ID: 7, Command: protocol.CmdLoadProfile, Body: []byte(`{"dashBoards":[]}`)})

	bad := tr.newSession(RoleApp)
	tr.send(bad, 1, "login new@mail.ua wrong")
	expectNone(t, bad)
	if !bad.Closed() {
		t.Error("session with wrong password not closed")
	}
}

func TestRouter_LoginRateLimit(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, nil)
	tr.router.logins = quota.NewWindow(2, time.Minute)

	for i := 0; i < 2; i++ {
		s := tr.newSession(RoleApp)
		tr.send(s, 1, "login "+testUser+" wrong")
	}
	s := tr.newSession(RoleApp)
	tr.send(s, 1, "login "+testUser+" "+testPassword)
	expectNone(t, s)
	if !s.Closed() {
		t.Error("rate limited login not closed")
	}
}

func TestRouter_HardwareAuthentication(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})

	dev := tr.newSession(RoleHardware)
	tr.send(dev, 1, "ping")
	expectResponse(t, dev, 1, protocol.StatusUserNotAuthenticated)
	tr.send(dev, 2, "hardware aw 1 1")
	expectResponse(t, dev, 2, protocol.StatusUserNotAuthenticated)

	tr.send(dev, 3, "login unknown")
	expectNone(t, dev)
	if !dev.Closed() {
		t.Error("unknown token did not close the session")
	}

	ok := tr.loginHardware(testToken)
	tr.send(ok, 2, "ping")
	expectResponse(t, ok, 2, protocol.StatusOK)
	tr.send(ok, 3, "login "+testToken)
	expectResponse(t, ok, 3, protocol.StatusIllegalCommand)
	tr.send(ok, 4, "loadProfile")
	expectResponse(t, ok, 4, protocol.StatusIllegalCommand)
}

func TestRouter_Reject(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	s := tr.newSession(RoleApp)

	_, err := protocol.Decode([]byte{99, 0, 42, 0, 0})
	tr.router.Reject(s, err)
	expectResponse(t, s, 42, protocol.StatusIllegalCommand)

	tr.router.Reject(s, errors.New("connection reset"))
	expectNone(t, s)
}

func TestRouter_EveryCommandHandled(t *testing.T) {
	tr := newTestRelay(t, 100, time.Second)
	tr.seedUser(defaultProfile, map[int]string{1: testToken})
	app := tr.loginApp()
	dev := tr.loginHardware(testToken)

	for _, cmd := range protocol.Commands() {
		m := &protocol.Message{ID: 1, Command: cmd}
		if err := tr.router.handleApp(tr.ctx, app, m); errors.Is(err, errUnhandled) {
			t.Errorf("app: %s not handled", cmd)
		}
		if err := tr.router.handleHardware(tr.ctx, dev, m); errors.Is(err, errUnhandled) {
			t.Errorf("hardware: %s not handled", cmd)
		}
	}

	m := &protocol.Message{ID: 1, Command: protocol.Command(11)}
	if err := tr.router.handleApp(tr.ctx, app, m); !errors.Is(err, errUnhandled) {
		t.Errorf("undefined command error = %v, want errUnhandled", err)
	}
}
