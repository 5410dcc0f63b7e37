package protocol

import (
	"encoding/binary"
	"log"
	"strconv"
	"strings"
)

// Wire-level framing constants, all PostgreSQL frontend/backend
// protocol v3.0, big-endian throughout.
const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
	startupVersion3   = 196608

	maxStartupLen = 10000
	minStartupLen = 8
	maxSQLLen     = 4096
)

// phase tracks where a connection is in the startup/auth/ready
// lifecycle. There is no path backward; it only moves forward until
// the connection closes.
type phase int

const (
	phaseAwaitingStartup phase = iota
	phaseAwaitingStartupAfterSslReject
	phaseAuthenticating
	phaseReady
)

// PostgresParser is the per-connection state machine described in
// spec §4.2. It owns the prepared-statement and portal maps for
// exactly one connection; never share an instance across connections.
type PostgresParser struct {
	phase      phase
	statements map[string]string // statement name -> SQL
	portals    map[string]string // portal name -> statement name
}

// NewPostgresParser returns a parser in the initial AwaitingStartup
// phase, ready to observe the first bytes off a freshly accepted
// connection.
func NewPostgresParser() *PostgresParser {
	return &PostgresParser{
		statements: make(map[string]string),
		portals:    make(map[string]string),
	}
}

// HandleStartupIntercept implements Parser.
func (p *PostgresParser) HandleStartupIntercept(buf []byte, dir Direction) []byte {
	if dir != Frontend {
		return nil
	}
	if p.phase != phaseAwaitingStartup && p.phase != phaseAwaitingStartupAfterSslReject {
		return nil
	}
	if len(buf) < minStartupLen {
		return nil
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != sslRequestCode {
		return nil
	}
	p.phase = phaseAwaitingStartupAfterSslReject
	return []byte{'N'}
}

// TryParse implements Parser.
func (p *PostgresParser) TryParse(buf []byte, dir Direction) (Event, int, bool) {
	switch p.phase {
	case phaseAwaitingStartup, phaseAwaitingStartupAfterSslReject:
		if dir == Frontend {
			return p.tryParseStartup(buf)
		}
		return p.tryParseRegular(buf, dir)
	default:
		return p.tryParseRegular(buf, dir)
	}
}

// tryParseStartup frames the unframed startup message: a 4-byte
// length (including itself) followed by a 4-byte version code and the
// rest of the payload.
func (p *PostgresParser) tryParseStartup(buf []byte) (Event, int, bool) {
	if len(buf) < minStartupLen {
		return Event{}, 0, false
	}
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length < minStartupLen || length > maxStartupLen {
		log.Printf("[protocol] invalid startup length %d, resyncing", length)
		return Event{Kind: EventUnknown}, 1, true
	}
	if len(buf) < length {
		return Event{}, 0, false
	}

	version := binary.BigEndian.Uint32(buf[4:8])
	switch version {
	case sslRequestCode:
		// The intercept hook should already have handled this; if it
		// reaches here the caller forwarded without intercepting.
		return Event{Kind: EventUnknown}, length, true
	case startupVersion3:
		p.phase = phaseAuthenticating
		return Event{Kind: EventUnknown}, length, true
	case cancelRequestCode:
		return Event{Kind: EventUnknown}, length, true
	default:
		log.Printf("[protocol] unrecognized startup version %d", version)
		return Event{Kind: EventUnknown}, length, true
	}
}

// tryParseRegular frames a tagged message: 1-byte tag + 4-byte length
// (including itself, excluding the tag) + payload.
func (p *PostgresParser) tryParseRegular(buf []byte, dir Direction) (Event, int, bool) {
	if len(buf) < 5 {
		return Event{}, 0, false
	}
	tag := buf[0]
	rawLength := binary.BigEndian.Uint32(buf[1:5])
	if rawLength < 4 {
		log.Printf("[protocol] invalid message length %d for tag %q, resyncing", rawLength, tag)
		return Event{Kind: EventUnknown, UnknownTag: tag}, 1, true
	}
	total := 1 + int(rawLength)
	if len(buf) < total {
		return Event{}, 0, false
	}
	payload := buf[5:total]
	return p.parseMessage(tag, payload, dir), total, true
}

func (p *PostgresParser) parseMessage(tag byte, payload []byte, dir Direction) Event {
	switch {
	case dir == Frontend && tag == 'Q':
		sql := truncateSQL(extractCString(payload))
		return Event{Kind: EventQueryStart, SQL: sql}

	case dir == Frontend && tag == 'P':
		nameEnd := indexByte(payload, 0)
		if nameEnd < 0 {
			return Event{Kind: EventUnknown, UnknownTag: tag}
		}
		stmtName := string(payload[:nameEnd])
		sql := truncateSQL(extractCString(payload[nameEnd+1:]))
		p.statements[stmtName] = sql
		return Event{Kind: EventParseDetected, SQL: sql}

	case dir == Frontend && tag == 'B':
		portalEnd := indexByte(payload, 0)
		if portalEnd < 0 {
			return Event{Kind: EventUnknown, UnknownTag: tag}
		}
		portal := string(payload[:portalEnd])
		stmt := extractCString(payload[portalEnd+1:])
		p.portals[portal] = stmt
		return Event{Kind: EventUnknown, UnknownTag: tag}

	case dir == Frontend && tag == 'E':
		portal := extractCString(payload)
		sql, ok := p.lookupPortalSQL(portal)
		if !ok {
			sql = "<execute portal=" + strconv.Quote(portal) + ">"
		}
		return Event{Kind: EventQueryStart, SQL: sql}

	case dir == Frontend && tag == 'C':
		if len(payload) < 1 {
			return Event{Kind: EventUnknown, UnknownTag: tag}
		}
		closeType := payload[0]
		name := extractCString(payload[1:])
		switch closeType {
		case 'S':
			delete(p.statements, name)
		case 'P':
			delete(p.portals, name)
		}
		return Event{Kind: EventUnknown, UnknownTag: tag}

	case dir == Frontend && (tag == 'S' || tag == 'D' || tag == 'H'):
		return Event{Kind: EventUnknown, UnknownTag: tag}

	case dir == Frontend && tag == 'X':
		return Event{Kind: EventConnectionClosed}

	case dir == Backend && tag == 'C':
		tagStr := extractCString(payload)
		return Event{Kind: EventQueryComplete, Tag: tagStr, Rows: parseCommandTagRows(tagStr)}

	case dir == Backend && tag == 'E':
		severity, code, message := parseErrorResponse(payload)
		return Event{Kind: EventQueryError, Severity: severity, Code: code, Message: message}

	case dir == Backend && tag == 'Z':
		status := TxIdle
		if len(payload) > 0 {
			switch payload[0] {
			case 'I':
				status = TxIdle
			case 'T':
				status = TxInTransaction
			case 'E':
				status = TxFailed
			}
		}
		if p.phase == phaseAuthenticating {
			p.phase = phaseReady
		}
		return Event{Kind: EventConnectionReady, Status: status}

	default:
		return Event{Kind: EventUnknown, UnknownTag: tag}
	}
}

// lookupPortalSQL resolves a portal name through the bound statement
// to the statement's SQL text. A lookup miss (unnamed portal with no
// prior Bind, or a statement evicted by Close) is reported via ok=false
// so the caller can synthesize a placeholder.
func (p *PostgresParser) lookupPortalSQL(portal string) (string, bool) {
	stmt, ok := p.portals[portal]
	if !ok {
		return "", false
	}
	sql, ok := p.statements[stmt]
	return sql, ok
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func extractCString(buf []byte) string {
	end := indexByte(buf, 0)
	if end < 0 {
		return ""
	}
	return string(buf[:end])
}

// truncateSQL caps SQL text at maxSQLLen bytes, backing off to the
// nearest valid UTF-8 boundary so truncation never splits a codepoint,
// and appends "..." when it actually truncated.
func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLen {
		return sql
	}
	end := maxSQLLen
	for end > 0 && isUTF8Continuation(sql[end]) {
		end--
	}
	return sql[:end] + "..."
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}

// parseCommandTagRows extracts the trailing decimal from a command
// tag like "SELECT 5" or "INSERT 0 3"; tags with no trailing number
// ("BEGIN", "COMMIT") return nil.
func parseCommandTagRows(tag string) *uint64 {
	idx := strings.LastIndexByte(tag, ' ')
	if idx < 0 {
		return nil
	}
	n, err := strconv.ParseUint(tag[idx+1:], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// parseErrorResponse walks the key/value-then-nul-terminated field
// list of an ErrorResponse/NoticeResponse payload, extracting the
// fields the correlator needs.
func parseErrorResponse(payload []byte) (severity, code, message string) {
	i := 0
	for i < len(payload) {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		value := string(payload[start:i])
		if i < len(payload) {
			i++
		}
		switch fieldType {
		case 'S':
			severity = value
		case 'C':
			code = value
		case 'M':
			message = value
		}
	}
	return severity, code, message
}
