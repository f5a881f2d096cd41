package probe

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Kind is the classification of a single probe response.
type Kind string

// Supported outcome kinds.
const (
	KindAvailable   Kind = "available"
	KindTaken       Kind = "taken"
	KindInvalid     Kind = "invalid"
	KindDegraded    Kind = "degraded"
	KindRateLimited Kind = "rate_limited"
	KindError       Kind = "error"
	KindUnknown     Kind = "unknown"
)

// Kinds lists every outcome kind in reporting order.
var Kinds = []Kind{
	KindAvailable,
	KindTaken,
	KindInvalid,
	KindUnknown,
	KindError,
	KindDegraded,
	KindRateLimited,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAvailable, KindTaken, KindInvalid, KindDegraded, KindRateLimited, KindError, KindUnknown:
		return true
	}
	return false
}

// Priority ranks kinds when the same identifier was recorded more than once.
// Higher wins; taken and invalid tie.
func (k Kind) Priority() int {
	switch k {
	case KindAvailable:
		return 5
	case KindTaken, KindInvalid:
		return 4
	case KindUnknown:
		return 3
	case KindError:
		return 2
	case KindDegraded:
		return 1
	default:
		return 0
	}
}

// Outcome is the immutable classification of one probe.
type Outcome struct {
	Kind Kind
	// Detail carries the reason for invalid and error outcomes and a truncated
	// excerpt of the payload for unknown ones.
	Detail string
}

// Available returns an available outcome.
func Available() Outcome { return Outcome{Kind: KindAvailable} }

// Taken returns a taken outcome.
func Taken() Outcome { return Outcome{Kind: KindTaken} }

// Degraded returns a degraded outcome.
func Degraded() Outcome { return Outcome{Kind: KindDegraded} }

// RateLimited returns a rate_limited outcome.
func RateLimited() Outcome { return Outcome{Kind: KindRateLimited} }

// Invalid returns an invalid outcome with the matched reason.
func Invalid(reason string) Outcome { return Outcome{Kind: KindInvalid, Detail: reason} }

// Failed returns an error outcome with the given reason.
func Failed(reason string) Outcome { return Outcome{Kind: KindError, Detail: reason} }

// Unknown returns an unknown outcome carrying a raw excerpt.
func Unknown(raw string) Outcome { return Outcome{Kind: KindUnknown, Detail: raw} }

// Decisive reports whether the outcome is final for the identifier without
// further retries.
func (o Outcome) Decisive() bool {
	switch o.Kind {
	case KindAvailable, KindTaken, KindInvalid, KindUnknown:
		return true
	}
	return false
}

// String renders "kind" or "kind:detail".
func (o Outcome) String() string {
	if o.Detail == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ":" + o.Detail
}

// Line renders the result file line for id. Available identifiers are written
// bare; every other outcome is "<id>\t<kind>[:<detail>]". Tabs and newlines in
// the detail are flattened so a record always occupies one line.
func (o Outcome) Line(id string) string {
	if o.Kind == KindAvailable {
		return id
	}
	return id + "\t" + sanitizeDetail(o.String())
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	kind, detail, _ := strings.Cut(s, ":")
	k := Kind(kind)
	if !k.Valid() {
		return Outcome{}, fmt.Errorf("unknown outcome kind %q", kind)
	}
	return Outcome{Kind: k, Detail: detail}, nil
}

// CheckIdentifier rejects identifiers that would not survive a result file
// round trip: empty ones and ones holding a tab, newline or other control
// character.
func CheckIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier: %w", ErrMalformedIdentifier)
	}
	if strings.ContainsFunc(id, unicode.IsControl) {
		return fmt.Errorf("identifier %q contains a control character: %w", id, ErrMalformedIdentifier)
	}
	return nil
}

func sanitizeDetail(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
}

// RawResponse is what a Prober returns for one request. Err is set for
// transport failures and timeouts, in which case StatusCode and Body may be
// zero.
type RawResponse struct {
	StatusCode int
	Body       []byte
	Err        error
	Duration   time.Duration
}

// WorkItem is one identifier plus the number of attempts already spent on it.
// Refreshes counts the session refreshes it triggered without being charged.
type WorkItem struct {
	Identifier string
	Attempts   int
	Refreshes  int
}

// Result is a recorded outcome for one identifier.
type Result struct {
	Identifier string
	Outcome    Outcome
	Timestamp  time.Time
	Shard      string
	Attempts   int
}
