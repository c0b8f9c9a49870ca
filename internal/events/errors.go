package events

import "fmt"

// Kind enumerates the error kinds the playback engine can raise.
type Kind string

const (
	KindConfiguration Kind = "ConfigurationError"
	KindResolution    Kind = "ResolutionError"
	KindCodec         Kind = "CodecError"
	KindTransport     Kind = "TransportError"
	KindProtocol      Kind = "ProtocolError"
	KindProcess       Kind = "ProcessError"
)

// Error is a typed playback error carrying its Kind so callers can decide
// propagation (event vs. socket close vs. worker restart) without
// string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ConfigurationError marks a disabled source (YOUTUBE_NOT_ENABLED, etc).
func ConfigurationError(message string) *Error { return newError(KindConfiguration, message, nil) }

// ResolutionError marks a resolver returning no match.
func ResolutionError(message string, cause error) *Error {
	return newError(KindResolution, message, cause)
}

// CodecError marks an ffmpeg/demux failure.
func CodecError(message string, cause error) *Error { return newError(KindCodec, message, cause) }

// TransportError marks a voice connection failure.
func TransportError(message string, cause error) *Error {
	return newError(KindTransport, message, cause)
}

// ProtocolError marks a malformed inbound payload.
func ProtocolError(message string, cause error) *Error {
	return newError(KindProtocol, message, cause)
}

// ProcessError marks an unhandled worker failure.
func ProcessError(message string, cause error) *Error {
	return newError(KindProcess, message, cause)
}
