package relay

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/quota"
	"github.com/rs/zerolog"
)

// Replier receives the deferred answer of a blocking task. *Session
// implements it; a nil Replier means nobody waits for the result.
type Replier interface {
	Send(m *protocol.Message) bool
}

// GraphRequest asks for the history of one pin: Count periods back from
// now, one averaged point per period.
type GraphRequest struct {
	DashID  int
	PinType profile.PinType
	Pin     int
	Count   int
	Period  time.Duration
}

// GraphValue is one timestamped write to a graph-bound pin.
type GraphValue struct {
	DashID  int
	PinType profile.PinType
	Pin     int
	TS      int64 // unix milliseconds
	Value   string
}

// BlockingIO is the executor for work that may block: notification
// delivery and graph storage. Every method only submits; results come back
// through the Replier.
type BlockingIO interface {
	Mail(r Replier, to, subject, body string, msgID uint16)
	Twit(r Replier, token, secret, text string, msgID uint16)
	Push(r Replier, target, body string, msgID uint16)
	ReadGraphData(r Replier, userID string, reqs []GraphRequest, msgID uint16)
	DeleteGraphData(r Replier, userID string, req GraphRequest, msgID uint16)
	StoreGraphValue(userID string, v GraphValue)
}

// Gateway validates notification requests and hands them to the executor.
type Gateway struct {
	log     zerolog.Logger
	io      BlockingIO
	maxBody int
	tweets  *quota.Window
}

// NewGateway creates a gateway allowing bodies up to maxBody characters and
// one tweet per dashboard per tweetWindow.
func NewGateway(log zerolog.Logger, io BlockingIO, maxBody int, tweetWindow time.Duration) *Gateway {
	return &Gateway{
		log:     log.With().Str("component", "gateway").Logger(),
		io:      io,
		maxBody: maxBody,
		tweets:  quota.NewWindow(1, tweetWindow),
	}
}

func (g *Gateway) validBody(body string) error {
	n := utf8.RuneCountInString(body)
	if n == 0 || n > g.maxBody {
		return fmt.Errorf("body of %d characters: %w", n, ErrNotificationInvalidBody)
	}
	return nil
}

// notifiable returns the widget of type kind on an active dashboard.
func notifiable(d *profile.Dashboard, kind string) (*profile.Widget, error) {
	if d == nil || !d.IsActive {
		return nil, fmt.Errorf("dashboard not active: %w", ErrNotificationNotAuthorized)
	}
	w := d.WidgetOfType(kind)
	if w == nil {
		return nil, fmt.Errorf("no %s widget: %w", kind, ErrNotificationNotAuthorized)
	}
	return w, nil
}

// Push sends body to the dashboard's NOTIFICATION target.
func (g *Gateway) Push(r Replier, msgID uint16, d *profile.Dashboard, body string) error {
	if err := g.validBody(body); err != nil {
		return err
	}
	w, err := notifiable(d, profile.WidgetNotification)
	if err != nil {
		return err
	}
	g.io.Push(r, w.Target, body, msgID)
	return nil
}

// Tweet posts body with the dashboard's TWITTER credentials, at most once
// per window per dashboard.
func (g *Gateway) Tweet(r Replier, msgID uint16, userID string, d *profile.Dashboard, body string) error {
	if err := g.validBody(body); err != nil {
		return err
	}
	w, err := notifiable(d, profile.WidgetTwitter)
	if err != nil {
		return err
	}
	if !g.tweets.Allow(userID + "/" + strconv.Itoa(d.ID)) {
		return fmt.Errorf("tweet: %w", ErrQuotaLimit)
	}
	g.io.Twit(r, w.Token, w.Secret, body, msgID)
	return nil
}

// DeviceOffline pushes a disconnect notice if the dashboard asked for one.
func (g *Gateway) DeviceOffline(d *profile.Dashboard) {
	w := d.WidgetOfType(profile.WidgetNotification)
	if w == nil || !w.NotifyWhenOffline {
		return
	}
	body := fmt.Sprintf("Your %s went offline. \"%s\" project is disconnected.", d.BoardType, d.Name)
	g.io.Push(nil, w.Target, body, 0)
	g.log.Debug().Int("dash", d.ID).Msg("offline notification submitted")
}

// MailToken mails the device token of a dashboard to its owner.
func (g *Gateway) MailToken(r Replier, msgID uint16, to string, d *profile.Dashboard, token string) {
	subject := fmt.Sprintf("Auth Token for %s project", d.Name)
	body := fmt.Sprintf("%s: %s", subject, token)
	g.io.Mail(r, to, subject, body, msgID)
}
