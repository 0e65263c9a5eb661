package noise

// Error is a handshake or transport failure. Handshake errors are terminal
// for the attempt; start a new connection to retry.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return "noise: " + e.msg
}

var (
	ErrTimeout            = &Error{"handshake timed out"}
	ErrMacMismatch        = &Error{"mac mismatch"}
	ErrCertificateInvalid = &Error{"certificate invalid"}
	ErrVersionMismatch    = &Error{"version mismatch"}
	ErrInvalidState       = &Error{"invalid handshake state"}
	ErrNonceExhausted     = &Error{"nonce counter exhausted"}
)
