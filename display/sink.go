package display

import (
	"fmt"
	"io"
)

// RawSink writes one line per event to w, the "raw" output mode.
// It is the only sink this module ships; a terminal dashboard is
// explicitly out of scope.
type RawSink struct {
	w io.Writer
}

// NewRawSink returns a RawSink writing to w.
func NewRawSink(w io.Writer) *RawSink {
	return &RawSink{w: w}
}

// Write formats ev as a single line. It never returns an error from a
// partial write; a broken output stream is not worth tearing down the
// relay over.
func (s *RawSink) Write(ev Event) {
	ts := ev.WallTime.Format("15:04:05.000")
	switch ev.Kind {
	case KindQuery:
		rows := "?"
		if ev.Rows != nil {
			rows = fmt.Sprintf("%d", *ev.Rows)
		}
		marker := ""
		if ev.Slow {
			marker = " SLOW"
		}
		fmt.Fprintf(s.w, "%s conn=%d query=%.120q rows=%s duration=%s%s\n",
			ts, ev.ConnID, ev.SQL, rows, ev.Duration, marker)
	case KindError:
		fmt.Fprintf(s.w, "%s conn=%d error code=%s message=%.160q\n",
			ts, ev.ConnID, ev.Code, ev.Message)
	case KindConnectionOpened:
		fmt.Fprintf(s.w, "%s conn=%d opened\n", ts, ev.ConnID)
	case KindConnectionClosed:
		fmt.Fprintf(s.w, "%s conn=%d closed\n", ts, ev.ConnID)
	case KindWarning:
		fmt.Fprintf(s.w, "%s conn=%d warning %s\n", ts, ev.ConnID, ev.WarningMessage)
	}
}
