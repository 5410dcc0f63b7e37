package display

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRawSink_WritesQueryLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewRawSink(&buf)

	rows := uint64(3)
	sink.Write(Event{
		WallTime: time.Now(),
		ConnID:   7,
		Kind:     KindQuery,
		SQL:      "SELECT * FROM users",
		Duration: 12 * time.Millisecond,
		Rows:     &rows,
	})

	out := buf.String()
	if !strings.Contains(out, "conn=7") || !strings.Contains(out, "SELECT * FROM users") || !strings.Contains(out, "rows=3") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRawSink_MarksSlowQueries(t *testing.T) {
	var buf bytes.Buffer
	sink := NewRawSink(&buf)

	sink.Write(Event{ConnID: 1, Kind: KindQuery, SQL: "SELECT 1", Slow: true})

	if !strings.Contains(buf.String(), "SLOW") {
		t.Fatalf("expected SLOW marker in output, got %q", buf.String())
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindQuery:            "query",
		KindError:            "error",
		KindConnectionOpened: "opened",
		KindConnectionClosed: "closed",
		KindWarning:          "warning",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
