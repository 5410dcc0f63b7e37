// Package relay implements the dual-direction TCP relay described in
// spec §4.3: it accepts client connections, opens one upstream
// connection per client, and forwards bytes in both directions while
// a shared protocol.Parser observes message boundaries. Forwarding
// never waits on the stats pipeline; a slow or full consumer only
// ever loses events, never stalls a connection.
package relay

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mevdschee/pgprobe/display"
	"github.com/mevdschee/pgprobe/protocol"
	"github.com/mevdschee/pgprobe/stats"
)

const (
	upstreamConnectTimeout = 5 * time.Second
	readBufferSize         = 16 * 1024
	rawEventQueueSize      = 1024
	displayEventQueueSize  = 1024
)

type rawKind int

const (
	rawConnOpened rawKind = iota
	rawConnDropped
	rawProtocolEvent
)

type rawEvent struct {
	connID uint64
	kind   rawKind
	ev     protocol.Event
}

// Relay is the accept loop and per-connection task owner. A Relay
// forwards every byte it sees between client and upstream, even when
// parsing or correlation falls behind; the wire protocol itself is
// never altered except for the SSLRequest rejection in
// protocol.Parser.HandleStartupIntercept.
type Relay struct {
	listenAddr   string
	upstreamAddr string

	nextConnID uint64

	raw    chan rawEvent
	Events chan display.Event // drained by the caller's sink

	snapshotReq chan chan Snapshot
}

// New returns a Relay that listens on listenAddr and forwards each
// accepted connection to upstreamAddr.
func New(listenAddr, upstreamAddr string, threshold time.Duration) *Relay {
	r := &Relay{
		listenAddr:   listenAddr,
		upstreamAddr: upstreamAddr,
		raw:          make(chan rawEvent, rawEventQueueSize),
		Events:       make(chan display.Event, displayEventQueueSize),
		snapshotReq:  make(chan chan Snapshot),
	}
	go r.runCollector(stats.NewCollector(threshold))
	return r
}

// Snapshot is a point-in-time copy of the stats collector's
// aggregates, safe to read outside the collector's owning goroutine
// (see Relay.Snapshot).
type Snapshot struct {
	TotalQueries   uint64
	TotalErrors    uint64
	ActiveConns    uint64
	LatencyBuckets [6]uint64
	QPS            uint64
	TopQueries     []stats.Aggregate
}

// Start accepts connections on listenAddr until ctx is canceled. Per
// spec, an Accept error on one connection never stops the loop.
func (r *Relay) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return err
	}
	log.Printf("[relay] listening on %s, forwarding to %s", r.listenAddr, r.upstreamAddr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		client, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Printf("[relay] accept error: %v", err)
			continue
		}
		go r.handleConnection(client)
	}
}

func (r *Relay) handleConnection(client net.Conn) {
	connID := atomic.AddUint64(&r.nextConnID, 1)
	defer client.Close()

	upstream, err := net.DialTimeout("tcp", r.upstreamAddr, upstreamConnectTimeout)
	if err != nil {
		log.Printf("[relay] conn %d: upstream dial error: %v", connID, err)
		return
	}
	defer upstream.Close()

	r.emitOpened(connID)
	defer r.emitDropped(connID)

	parser := protocol.NewPostgresParser()
	var mu sync.Mutex

	errCh := make(chan error, 2)
	go func() { errCh <- r.pump(client, upstream, parser, &mu, protocol.Frontend, connID) }()
	go func() { errCh <- r.pump(upstream, client, parser, &mu, protocol.Backend, connID) }()

	if err := <-errCh; err != nil {
		log.Printf("[relay] conn %d: %v", connID, err)
	}
	client.Close()
	upstream.Close()
	<-errCh
}

// pump reads from src, frames complete messages via the shared
// parser, and forwards each one to dst as soon as it is recognized.
// The parser's critical section covers only the framing call itself,
// never the blocking read or write around it.
func (r *Relay) pump(src, dst net.Conn, parser protocol.Parser, mu *sync.Mutex, dir protocol.Direction, connID uint64) error {
	readBuf := make([]byte, readBufferSize)
	var buf []byte

	for {
		n, err := src.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			for {
				if dir == protocol.Frontend {
					mu.Lock()
					resp := parser.HandleStartupIntercept(buf, dir)
					mu.Unlock()
					if resp != nil {
						if _, werr := src.Write(resp); werr != nil {
							return werr
						}
						if len(buf) >= 8 {
							buf = buf[8:]
						}
						continue
					}
				}

				mu.Lock()
				ev, consumed, ok := parser.TryParse(buf, dir)
				mu.Unlock()
				if !ok {
					break
				}

				// Publish before forwarding so a query's start is queued
				// ahead of any reply the peer sends to it.
				if ev.Kind != protocol.EventUnknown {
					r.emitProtocolEvent(connID, ev)
				}

				if _, werr := dst.Write(buf[:consumed]); werr != nil {
					return werr
				}
				buf = buf[consumed:]

				if ev.Kind == protocol.EventConnectionClosed {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (r *Relay) emitOpened(connID uint64) {
	select {
	case r.raw <- rawEvent{connID: connID, kind: rawConnOpened}:
	default:
	}
}

func (r *Relay) emitDropped(connID uint64) {
	select {
	case r.raw <- rawEvent{connID: connID, kind: rawConnDropped}:
	default:
	}
}

func (r *Relay) emitProtocolEvent(connID uint64, ev protocol.Event) {
	select {
	case r.raw <- rawEvent{connID: connID, kind: rawProtocolEvent, ev: ev}:
	default:
		// stats pipeline is backed up; drop rather than stall the relay
	}
}

// runCollector is the single goroutine permitted to touch the
// stats.Collector. It folds raw events into aggregate state and
// forwards the resulting display events to the sink channel,
// dropping on backpressure rather than blocking a connection's pump.
func (r *Relay) runCollector(c *stats.Collector) {
	for {
		select {
		case re, open := <-r.raw:
			if !open {
				return
			}
			var ev display.Event
			var ok bool

			switch re.kind {
			case rawConnOpened:
				ev, ok = c.ConnectionOpened(re.connID), true
			case rawConnDropped:
				ev, ok = c.ConnectionDropped(re.connID)
			case rawProtocolEvent:
				ev, ok = c.Process(re.connID, re.ev)
			}

			if !ok {
				continue
			}
			select {
			case r.Events <- ev:
			default:
			}

		case respCh := <-r.snapshotReq:
			respCh <- Snapshot{
				TotalQueries:   c.TotalQueries(),
				TotalErrors:    c.TotalErrors(),
				ActiveConns:    c.ActiveConnections(),
				LatencyBuckets: c.LatencyBuckets(),
				QPS:            c.QPS(),
				TopQueries:     c.TopQueries(10),
			}
		}
	}
}

// Snapshot returns a copy of the current stats aggregates, safely
// crossing from the collector's single owning goroutine.
func (r *Relay) Snapshot() Snapshot {
	respCh := make(chan Snapshot, 1)
	r.snapshotReq <- respCh
	return <-respCh
}
