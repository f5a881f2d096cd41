package probe

import "errors"

// Error taxonomy shared across the engine. Callers match with errors.Is.
var (
	// ErrTransport marks a network failure or timeout talking to the remote.
	ErrTransport = errors.New("transport error")
	// ErrDegraded marks a response that carried no usable signal.
	ErrDegraded = errors.New("degraded response")
	// ErrThrottled marks an explicit throttling signal from the remote.
	ErrThrottled = errors.New("throttled")
	// ErrSessionExhausted is returned when a session could not be created or
	// refreshed within the configured attempts.
	ErrSessionExhausted = errors.New("session exhausted")
	// ErrAmbiguous marks a response that matched no classification rule.
	ErrAmbiguous = errors.New("ambiguous response")
	// ErrPersistence is returned when a result could not be made durable.
	ErrPersistence = errors.New("persistence failure")
	// ErrAllSessionsExhausted is returned when every worker lost its session.
	ErrAllSessionsExhausted = errors.New("all sessions exhausted")
	// ErrMalformedIdentifier marks an identifier that cannot be stored as one
	// result line.
	ErrMalformedIdentifier = errors.New("malformed identifier")
)

// ErrorFor maps a non-decisive or ambiguous outcome kind to its sentinel.
// Decisive kinds other than unknown return nil.
func ErrorFor(k Kind) error {
	switch k {
	case KindError:
		return ErrTransport
	case KindDegraded:
		return ErrDegraded
	case KindRateLimited:
		return ErrThrottled
	case KindUnknown:
		return ErrAmbiguous
	}
	return nil
}
