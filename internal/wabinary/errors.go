package wabinary

import "fmt"

// CodecError is a failure to encode or decode a frame. Every decode failure
// is final for the frame it occurred in; the connection should be dropped.
type CodecError struct {
	msg string
}

func (e *CodecError) Error() string {
	return "wabinary: " + e.msg
}

// Decode errors. Match with errors.Is; the returned error carries the offset.
var (
	ErrTruncated              = &CodecError{"truncated input"}
	ErrUnknownTag             = &CodecError{"unknown type tag"}
	ErrSizeLimitExceeded      = &CodecError{"frame size limit exceeded"}
	ErrInvalidDictionaryIndex = &CodecError{"invalid dictionary index"}
	ErrInvalidNode            = &CodecError{"invalid node"}
)

func errAt(base *CodecError, offset int, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if detail == "" {
		return fmt.Errorf("%w at offset %d", base, offset)
	}
	return fmt.Errorf("%w at offset %d: %s", base, offset, detail)
}
