// Package stats correlates protocol events into per-connection query
// latency and cross-connection aggregates, and produces display
// events for external sinks. It is the single owner of all aggregate
// state; nothing outside this package mutates a Collector.
package stats

import (
	"log"
	"sort"
	"time"

	"github.com/mevdschee/pgprobe/display"
	"github.com/mevdschee/pgprobe/fingerprint"
	"github.com/mevdschee/pgprobe/protocol"
)

// Aggregate holds the rolling count/total/min/max for one SQL
// fingerprint. Whenever Count > 0, Min <= average <= Max.
type Aggregate struct {
	Fingerprint string
	Count       uint64
	Total       time.Duration
	Min         time.Duration
	Max         time.Duration
}

// connState is the per-connection correlator state: a FIFO of queries
// started but not yet completed, ordered by issue time (PostgreSQL
// guarantees in-order replies on one connection).
type connState struct {
	pending       []pendingQuery
	inTransaction bool
}

type pendingQuery struct {
	sql       string
	startedAt time.Time
}

// Collector is the correlation/statistics engine described in spec
// §4.4. A Collector is not safe for concurrent use; callers run it on
// a single goroutine reading from the relay's event channel.
type Collector struct {
	threshold time.Duration

	connections map[uint64]*connState
	fingerprints map[string]*Aggregate

	latencyBuckets [6]uint64
	totalQueries   uint64
	totalErrors    uint64
	activeConns    uint64

	qpsWindow []time.Time

	firstQueryAt time.Time
	lastQueryAt  time.Time
}

// NewCollector returns a Collector that tags a query as "slow" in its
// display events once its latency reaches threshold. threshold is a
// display hint only (spec §6); it never affects forwarding or
// correctness.
func NewCollector(threshold time.Duration) *Collector {
	return &Collector{
		threshold:    threshold,
		connections:  make(map[uint64]*connState),
		fingerprints: make(map[string]*Aggregate),
	}
}

// Reset clears all accumulated aggregates, the latency histogram, the
// QPS window, and the query counters, but leaves live connection state
// (pending queries, active connection count) untouched.
func (c *Collector) Reset() {
	c.fingerprints = make(map[string]*Aggregate)
	c.latencyBuckets = [6]uint64{}
	c.totalQueries = 0
	c.totalErrors = 0
	c.qpsWindow = nil
	c.firstQueryAt = time.Time{}
	c.lastQueryAt = time.Time{}
}

// ConnectionOpened records a newly accepted connection and returns the
// corresponding display event.
func (c *Collector) ConnectionOpened(connID uint64) display.Event {
	c.activeConns++
	c.connections[connID] = &connState{}
	return display.Event{WallTime: time.Now(), ConnID: connID, Kind: display.KindConnectionOpened}
}

// ConnectionDropped records a connection tearing down outside of an
// explicit protocol Terminate (EOF, I/O error). It is idempotent: a
// connection already removed (e.g. by a prior ConnectionClosed event)
// produces no event.
func (c *Collector) ConnectionDropped(connID uint64) (display.Event, bool) {
	if _, ok := c.connections[connID]; !ok {
		return display.Event{}, false
	}
	delete(c.connections, connID)
	if c.activeConns > 0 {
		c.activeConns--
	}
	return display.Event{WallTime: time.Now(), ConnID: connID, Kind: display.KindConnectionClosed}, true
}

// Process folds one protocol event for connID into the collector's
// state and returns the display event it produces, if any.
func (c *Collector) Process(connID uint64, ev protocol.Event) (display.Event, bool) {
	now := time.Now()

	switch ev.Kind {
	case protocol.EventQueryStart:
		conn := c.ensureConn(connID)
		conn.pending = append(conn.pending, pendingQuery{sql: ev.SQL, startedAt: now})
		return display.Event{}, false

	case protocol.EventParseDetected:
		return display.Event{
			WallTime:       now,
			ConnID:         connID,
			Kind:           display.KindWarning,
			WarningMessage: "extended query protocol: " + truncate(ev.SQL, 80),
		}, true

	case protocol.EventQueryComplete:
		conn, ok := c.connections[connID]
		if !ok || len(conn.pending) == 0 {
			return display.Event{}, false
		}
		pending := conn.pending[0]
		conn.pending = conn.pending[1:]
		duration := now.Sub(pending.startedAt)

		c.totalQueries++
		if c.firstQueryAt.IsZero() {
			c.firstQueryAt = now
		}
		c.lastQueryAt = now
		c.recordLatency(duration)
		c.recordFingerprint(pending.sql, duration)
		c.qpsWindow = append(c.qpsWindow, now)

		return display.Event{
			WallTime: now,
			ConnID:   connID,
			Kind:     display.KindQuery,
			SQL:      pending.sql,
			Duration: duration,
			Rows:     ev.Rows,
			Slow:     duration >= c.threshold,
		}, true

	case protocol.EventQueryError:
		c.totalErrors++

		var sql string
		var duration time.Duration
		var haveQuery bool
		if conn, ok := c.connections[connID]; ok && len(conn.pending) > 0 {
			pending := conn.pending[0]
			conn.pending = conn.pending[1:]
			sql = pending.sql
			duration = now.Sub(pending.startedAt)
			haveQuery = true
		}

		if ev.Severity != "ERROR" && ev.Severity != "FATAL" {
			return display.Event{}, false
		}
		e := display.Event{
			WallTime: now,
			ConnID:   connID,
			Kind:     display.KindError,
			Code:     ev.Code,
			Message:  ev.Message,
		}
		if haveQuery {
			e.SQL = sql
			e.Duration = duration
			e.Slow = duration >= c.threshold
		}
		return e, true

	case protocol.EventConnectionReady:
		conn, ok := c.connections[connID]
		if !ok {
			return display.Event{}, false
		}
		conn.inTransaction = ev.Status == protocol.TxInTransaction
		// PostgreSQL skips queued Executes after an error in an
		// extended-protocol pipeline; they are never completed, so
		// drop anything still pending rather than let it drift.
		conn.pending = nil
		return display.Event{}, false

	case protocol.EventConnectionClosed:
		if _, ok := c.connections[connID]; ok {
			delete(c.connections, connID)
			if c.activeConns > 0 {
				c.activeConns--
			}
		}
		return display.Event{WallTime: now, ConnID: connID, Kind: display.KindConnectionClosed}, true

	default:
		return display.Event{}, false
	}
}

func (c *Collector) ensureConn(connID uint64) *connState {
	conn, ok := c.connections[connID]
	if !ok {
		conn = &connState{}
		c.connections[connID] = conn
		log.Printf("[stats] query start on unseen connection %d, tracking lazily", connID)
	}
	return conn
}

func (c *Collector) recordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	bucket := 5
	switch {
	case ms < 1:
		bucket = 0
	case ms < 5:
		bucket = 1
	case ms < 10:
		bucket = 2
	case ms < 50:
		bucket = 3
	case ms < 100:
		bucket = 4
	}
	c.latencyBuckets[bucket]++
}

func (c *Collector) recordFingerprint(sql string, d time.Duration) {
	fp := fingerprint.Fingerprint(sql)
	agg, ok := c.fingerprints[fp]
	if !ok {
		agg = &Aggregate{Fingerprint: fp, Min: d, Max: d}
		c.fingerprints[fp] = agg
	}
	agg.Count++
	agg.Total += d
	if d < agg.Min {
		agg.Min = d
	}
	if d > agg.Max {
		agg.Max = d
	}
}

// QPS returns the number of completed queries in the trailing
// one-second window, evicting expired entries from the front first.
func (c *Collector) QPS() uint64 {
	cutoff := time.Now().Add(-time.Second)
	i := 0
	for i < len(c.qpsWindow) && !c.qpsWindow[i].After(cutoff) {
		i++
	}
	c.qpsWindow = c.qpsWindow[i:]
	return uint64(len(c.qpsWindow))
}

// TopQueries returns the n fingerprint aggregates with the largest
// total duration, descending, stable on ties.
func (c *Collector) TopQueries(n int) []Aggregate {
	out := make([]Aggregate, 0, len(c.fingerprints))
	for _, agg := range c.fingerprints {
		out = append(out, *agg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func (c *Collector) TotalQueries() uint64      { return c.totalQueries }
func (c *Collector) TotalErrors() uint64       { return c.totalErrors }
func (c *Collector) ActiveConnections() uint64 { return c.activeConns }
func (c *Collector) LatencyBuckets() [6]uint64 { return c.latencyBuckets }
func (c *Collector) FirstQueryAt() time.Time   { return c.firstQueryAt }
func (c *Collector) LastQueryAt() time.Time    { return c.lastQueryAt }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && s[end]&0xC0 == 0x80 {
		end--
	}
	return s[:end] + "..."
}
