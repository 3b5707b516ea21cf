package bridge

import "fmt"

// Kind classifies a bridge failure
type Kind int

const (
	KindAlreadyStarted Kind = iota + 1
	KindAlreadyConnected
	KindCallbackRequired
	KindNotConnected
	KindConnectionFailure
	KindCommunicationFailure
	KindRegistrationTimeout
)

var kindNames = map[Kind]string{
	KindAlreadyStarted:       "AlreadyStarted",
	KindAlreadyConnected:     "AlreadyConnected",
	KindCallbackRequired:     "CallbackRequired",
	KindNotConnected:         "NotConnected",
	KindConnectionFailure:    "ConnectionFailure",
	KindCommunicationFailure: "CommunicationFailure",
	KindRegistrationTimeout:  "RegistrationTimeout",
}

var kindCodes = map[Kind]int{
	KindConnectionFailure:    1000,
	KindCommunicationFailure: 1010,
	KindAlreadyConnected:     1100,
	KindNotConnected:         1200,
	KindAlreadyStarted:       2000,
	KindCallbackRequired:     2100,
	KindRegistrationTimeout:  2200,
}

var kindMessages = map[Kind]string{
	KindConnectionFailure:    "Unable to establish a connection with the fabric broker",
	KindCommunicationFailure: "Unable to communicate with a fabric broker",
	KindAlreadyConnected:     "Already connected to the fabric broker",
	KindNotConnected:         "Not connected to a fabric broker",
	KindAlreadyStarted:       "Already started",
	KindCallbackRequired:     "Fabric callback is required",
	KindRegistrationTimeout:  "Service registration was not acknowledged in time",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the numeric error code reported to hosts
func (k Kind) Code() int {
	return kindCodes[k]
}

// Error is the only error type bridge operations return. It never wraps
// the transport error behind it; that cause is logged where it happens.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Op      string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string) *Error {
	return &Error{
		Kind:    kind,
		Code:    kind.Code(),
		Message: kindMessages[kind],
		Op:      op,
	}
}

// Sentinels for errors.Is
var (
	ErrAlreadyStarted       = newError(KindAlreadyStarted, "")
	ErrAlreadyConnected     = newError(KindAlreadyConnected, "")
	ErrCallbackRequired     = newError(KindCallbackRequired, "")
	ErrNotConnected         = newError(KindNotConnected, "")
	ErrConnectionFailure    = newError(KindConnectionFailure, "")
	ErrCommunicationFailure = newError(KindCommunicationFailure, "")
	ErrRegistrationTimeout  = newError(KindRegistrationTimeout, "")
)
