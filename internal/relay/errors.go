package relay

import (
	"errors"

	"github.com/markus-barta/pinrelay/internal/protocol"
)

// Errors returned by the routing core. Each maps to one wire status in
// statusFor; anything else is answered with ServerError.
var (
	ErrIllegalCommand            = errors.New("illegal command")
	ErrNotAllowed                = errors.New("not allowed")
	ErrDeviceNotInNetwork        = errors.New("device not in network")
	ErrNoActiveDashboard         = errors.New("no active dashboard")
	ErrQuotaLimit                = errors.New("quota limit exceeded")
	ErrNotificationInvalidBody   = errors.New("invalid notification body")
	ErrNotificationNotAuthorized = errors.New("notification not authorized")
	ErrUserAlreadyRegistered     = errors.New("user already registered")
	ErrUserNotRegistered         = errors.New("user not registered")
	ErrNotAuthenticated          = errors.New("not authenticated")

	// ErrAuth closes the session without a response.
	ErrAuth = errors.New("authentication failed")

	// ErrShutdown is returned by registrations after Registry.Shutdown.
	ErrShutdown = errors.New("relay shutting down")
)

var statusByErr = []struct {
	err    error
	status protocol.Status
}{
	{ErrIllegalCommand, protocol.StatusIllegalCommand},
	{ErrNotAllowed, protocol.StatusNotAllowed},
	{ErrDeviceNotInNetwork, protocol.StatusDeviceNotInNetwork},
	{ErrNoActiveDashboard, protocol.StatusNoActiveDashboard},
	{ErrQuotaLimit, protocol.StatusQuotaLimit},
	{ErrNotificationInvalidBody, protocol.StatusNotificationInvalidBody},
	{ErrNotificationNotAuthorized, protocol.StatusNotificationNotAuthorized},
	{ErrUserAlreadyRegistered, protocol.StatusUserAlreadyRegistered},
	{ErrUserNotRegistered, protocol.StatusUserNotRegistered},
	{ErrNotAuthenticated, protocol.StatusUserNotAuthenticated},
}

// statusFor maps an error from the routing core to its wire status. The
// second result is false for errors that do not originate here.
func statusFor(err error) (protocol.Status, bool) {
	for _, e := range statusByErr {
		if errors.Is(err, e.err) {
			return e.status, true
		}
	}
	return protocol.StatusServerError, false
}
