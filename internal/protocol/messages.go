// Package protocol defines the binary frame shared by hardware and app connections.
package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

// Separator splits fields inside a message body.
const Separator byte = 0x00

// Command identifies what a frame asks for.
type Command uint8

// Commands (closed set; the router switches over every one of them).
const (
	CmdResponse     Command = 0
	CmdRegister     Command = 1
	CmdLogin        Command = 2
	CmdSaveProfile  Command = 3
	CmdLoadProfile  Command = 4
	CmdGetToken     Command = 5
	CmdPing         Command = 6
	CmdActivate     Command = 7
	CmdDeactivate   Command = 8
	CmdRefreshToken Command = 9
	CmdGetGraphData Command = 10
	CmdTweet        Command = 12
	CmdEmail        Command = 13
	CmdPush         Command = 14
	CmdHardware     Command = 20
	CmdCreateDash   Command = 21
	CmdSaveDash     Command = 22
	CmdDeleteDash   Command = 23
)

var commandNames = map[Command]string{
	CmdResponse:     "response",
	CmdRegister:     "register",
	CmdLogin:        "login",
	CmdSaveProfile:  "saveProfile",
	CmdLoadProfile:  "loadProfile",
	CmdGetToken:     "getToken",
	CmdPing:         "ping",
	CmdActivate:     "activate",
	CmdDeactivate:   "deactivate",
	CmdRefreshToken: "refreshToken",
	CmdGetGraphData: "getgraphdata",
	CmdTweet:        "tweet",
	CmdEmail:        "email",
	CmdPush:         "push",
	CmdHardware:     "hardware",
	CmdCreateDash:   "createDash",
	CmdSaveDash:     "saveDash",
	CmdDeleteDash:   "deleteDash",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, n := range commandNames {
		m[n] = c
	}
	return m
}()

// Commands returns every defined command in code order.
func Commands() []Command {
	out := make([]Command, 0, len(commandNames))
	for c := Command(0); c < 255; c++ {
		if _, ok := commandNames[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Valid reports whether c is a defined command.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// CommandByName looks up a command by its protocol name.
func CommandByName(name string) (Command, bool) {
	c, ok := commandsByName[name]
	return c, ok
}

// jsonBody reports whether the body of c is a JSON document rather than
// separator-delimited fields.
func (c Command) jsonBody() bool {
	return c == CmdCreateDash || c == CmdSaveDash || c == CmdSaveProfile
}

// Status is the result code carried by Response frames.
type Status uint16

const (
	StatusOK                        Status = 200
	StatusQuotaLimit                Status = 1
	StatusIllegalCommand            Status = 2
	StatusUserNotRegistered         Status = 3
	StatusUserAlreadyRegistered     Status = 4
	StatusUserNotAuthenticated      Status = 5
	StatusNotAllowed                Status = 6
	StatusDeviceNotInNetwork        Status = 7
	StatusNoActiveDashboard         Status = 8
	StatusInvalidToken              Status = 9
	StatusDeviceWentOffline         Status = 10
	StatusNotificationInvalidBody   Status = 13
	StatusNotificationNotAuthorized Status = 14
	StatusNotificationError         Status = 15
	StatusNoData                    Status = 17
	StatusServerError               Status = 19
)

var statusNames = map[Status]string{
	StatusOK:                        "ok",
	StatusQuotaLimit:                "quota_limit",
	StatusIllegalCommand:            "illegal_command",
	StatusUserNotRegistered:         "user_not_registered",
	StatusUserAlreadyRegistered:     "user_already_registered",
	StatusUserNotAuthenticated:      "user_not_authenticated",
	StatusNotAllowed:                "not_allowed",
	StatusDeviceNotInNetwork:        "device_not_in_network",
	StatusNoActiveDashboard:         "no_active_dashboard",
	StatusInvalidToken:              "invalid_token",
	StatusDeviceWentOffline:         "device_went_offline",
	StatusNotificationInvalidBody:   "notification_invalid_body",
	StatusNotificationNotAuthorized: "notification_not_authorized",
	StatusNotificationError:         "notification_error",
	StatusNoData:                    "no_data",
	StatusServerError:               "server_error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Message is one decoded frame.
type Message struct {
	ID      uint16  // correlation id, 0 for server pushes
	Command Command // what the frame carries
	Status  Status  // Response frames only
	Body    []byte  // fields joined by Separator; nil when empty
}

// New creates a message whose body is fields joined by Separator.
func New(id uint16, cmd Command, fields ...string) *Message {
	return &Message{ID: id, Command: cmd, Body: JoinBody(fields...)}
}

// NewResponse creates a bare status response.
func NewResponse(id uint16, status Status) *Message {
	return &Message{ID: id, Command: CmdResponse, Status: status}
}

// NewResponseWithBody creates a status response carrying a payload.
func NewResponseWithBody(id uint16, status Status, body []byte) *Message {
	m := NewResponse(id, status)
	if len(body) > 0 {
		m.Body = body
	}
	return m
}

// Fields splits the body on Separator.
func (m *Message) Fields() []string {
	return SplitBody(m.Body)
}

// Len is the value of the length header on the wire.
func (m *Message) Len() int {
	if m.Command == CmdResponse {
		return len(m.Body) + 2
	}
	return len(m.Body)
}

// String renders the message for logs, with separators shown as spaces.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Command.String())
	b.WriteByte('#')
	b.WriteString(strconv.Itoa(int(m.ID)))
	if m.Command == CmdResponse {
		b.WriteByte(' ')
		b.WriteString(m.Status.String())
	}
	if len(m.Body) > 0 {
		b.WriteByte(' ')
		b.Write(bytes.ReplaceAll(m.Body, []byte{Separator}, []byte{' '}))
	}
	return b.String()
}

// SplitBody splits a body into its fields. An empty body has no fields.
func SplitBody(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), string(Separator))
}

// JoinBody joins fields with Separator. No fields yields a nil body.
func JoinBody(fields ...string) []byte {
	if len(fields) == 0 {
		return nil
	}
	body := []byte(strings.Join(fields, string(Separator)))
	if len(body) == 0 {
		return nil
	}
	return body
}
