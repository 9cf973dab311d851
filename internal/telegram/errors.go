package telegram

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/botloop/internal/shared"
)

// DecodeErrorCode is the synthetic error code for a malformed response body
// or a missing result on an ok=true envelope.
const DecodeErrorCode = -1

// TransportError is an I/O or HTTP-status failure before a well-formed
// response envelope was obtained. Retriable by caller policy.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	// The underlying net/http error can embed the request URL, which carries
	// the bot token.
	return shared.Redact(fmt.Sprintf("telegram transport: %s: %v", e.Method, e.Err))
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed response with ok=false, or a body the client
// could not decode (Code == DecodeErrorCode).
type ProtocolError struct {
	Method          string
	Code            int
	Description     string
	RetryAfter      time.Duration
	MigrateToChatID int64
}

func (e *ProtocolError) Error() string {
	return shared.Redact(fmt.Sprintf("telegram api: %s: %d %s", e.Method, e.Code, e.Description))
}

// IsDecode reports whether this error stands for a malformed body rather
// than a server-reported failure.
func (e *ProtocolError) IsDecode() bool { return e.Code == DecodeErrorCode }

// RetryAfterHint extracts the server's retry_after hint from an error chain,
// or 0 when absent.
func RetryAfterHint(err error) time.Duration {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
