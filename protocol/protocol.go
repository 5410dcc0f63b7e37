// Package protocol parses the PostgreSQL frontend/backend wire
// protocol out of a growing byte buffer without taking ownership of
// the bytes themselves — callers own forwarding, the parser only
// observes and demarcates.
package protocol

// Direction identifies which peer a buffer of bytes came from.
type Direction int

const (
	Frontend Direction = iota // client -> server
	Backend                   // server -> client
)

func (d Direction) String() string {
	if d == Frontend {
		return "frontend"
	}
	return "backend"
}

// TxStatus mirrors the single status byte PostgreSQL sends in
// ReadyForQuery.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I'
	TxInTransaction TxStatus = 'T'
	TxFailed        TxStatus = 'E'
)

// EventKind tags which fields of Event are populated.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventQueryStart
	EventParseDetected
	EventQueryComplete
	EventQueryError
	EventConnectionReady
	EventConnectionClosed
)

// Event is the result of successfully framing one protocol message.
// Only the fields relevant to Kind are meaningful.
type Event struct {
	Kind EventKind

	SQL string // QueryStart, ParseDetected

	Tag  string  // QueryComplete: the raw command tag, e.g. "SELECT 5"
	Rows *uint64 // QueryComplete: parsed row count, nil if not parseable

	Severity string // QueryError
	Code     string // QueryError
	Message  string // QueryError

	Status TxStatus // ConnectionReady

	UnknownTag byte // EventUnknown, 0 for startup-phase frames
}

// Parser is a per-connection, stateful message framer. It is driven by
// a single writer per direction; callers are responsible for mutual
// exclusion if both directions share one Parser (see package relay).
type Parser interface {
	// TryParse attempts to frame exactly one message out of buf for the
	// given direction. It returns the parsed event and the number of
	// bytes consumed, or ok=false if buf does not yet hold a complete
	// message. It never mutates buf; the caller advances past consumed
	// bytes itself.
	TryParse(buf []byte, dir Direction) (event Event, consumed int, ok bool)

	// HandleStartupIntercept inspects a frontend-direction buffer
	// before any bytes are forwarded. It returns a non-nil response
	// only when the parser wants to reply to the client directly
	// (currently: SSLRequest -> "N") instead of forwarding.
	HandleStartupIntercept(buf []byte, dir Direction) []byte
}
