package session

// Error is a session failure. InvalidMac and ReplayDetected are per message
// and leave the session usable; InvalidBundle and UnknownDevice block
// establishment.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return "session: " + e.msg
}

var (
	ErrInvalidBundle     = &Error{"invalid prekey bundle"}
	ErrInvalidMac        = &Error{"invalid mac"}
	ErrReplayDetected    = &Error{"replay detected"}
	ErrBundleUnavailable = &Error{"prekey bundle unavailable"}
	ErrUnknownDevice     = &Error{"unknown device"}
	ErrInvalidMessage    = &Error{"invalid message"}
	ErrUntrustedIdentity = &Error{"untrusted identity"}
)
