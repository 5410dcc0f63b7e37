// Package display defines the event type the correlator emits for
// downstream sinks. It has no behavior of its own: it is the contract
// between the core (protocol, relay, stats) and sinks such as a raw
// line printer or a terminal dashboard, which are not part of this
// package.
package display

import "time"

// Kind identifies which variant of Event is populated.
type Kind int

const (
	KindQuery Kind = iota
	KindError
	KindConnectionOpened
	KindConnectionClosed
	KindWarning
)

// Event is produced by the stats collector and consumed by sinks. Only
// the fields relevant to Kind are populated; the rest are zero values.
type Event struct {
	WallTime time.Time
	ConnID   uint64
	Kind     Kind

	// KindQuery
	SQL      string
	Duration time.Duration
	Rows     *uint64 // nil when the command tag carried no row count
	Slow     bool    // Duration >= the configured threshold

	// KindError (SQL/Duration reused from above when a query was in flight)
	Code    string
	Message string

	// KindWarning
	WarningMessage string
}

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindError:
		return "error"
	case KindConnectionOpened:
		return "opened"
	case KindConnectionClosed:
		return "closed"
	case KindWarning:
		return "warning"
	default:
		return "unknown"
	}
}
