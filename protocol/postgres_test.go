package protocol

import (
	"encoding/binary"
	"strings"
	"testing"
)

func makeStartupMessage(version uint32) []byte {
	payload := []byte{0, 0} // minimal trailing bytes, enough for the fixed header
	length := uint32(8 + len(payload))
	buf := make([]byte, 0, length)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, version)
	buf = append(buf, verBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeQueryMessage(sql string) []byte {
	payload := append([]byte(sql), 0)
	length := uint32(4 + len(payload))
	buf := []byte{'Q'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeCommandComplete(tag string) []byte {
	payload := append([]byte(tag), 0)
	length := uint32(4 + len(payload))
	buf := []byte{'C'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeReadyForQuery(status byte) []byte {
	buf := []byte{'Z', 0, 0, 0, 5, status}
	return buf
}

func makeParseMessage(stmtName, sql string) []byte {
	var payload []byte
	payload = append(payload, []byte(stmtName)...)
	payload = append(payload, 0)
	payload = append(payload, []byte(sql)...)
	payload = append(payload, 0)
	payload = append(payload, 0, 0) // param count = 0
	length := uint32(4 + len(payload))
	buf := []byte{'P'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeBindMessage(portal, stmtName string) []byte {
	var payload []byte
	payload = append(payload, []byte(portal)...)
	payload = append(payload, 0)
	payload = append(payload, []byte(stmtName)...)
	payload = append(payload, 0)
	payload = append(payload, 0, 0) // format codes count = 0
	payload = append(payload, 0, 0) // params count = 0
	payload = append(payload, 0, 0) // result format count = 0
	length := uint32(4 + len(payload))
	buf := []byte{'B'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeExecuteMessage(portal string) []byte {
	var payload []byte
	payload = append(payload, []byte(portal)...)
	payload = append(payload, 0)
	payload = append(payload, 0, 0, 0, 0) // max rows = 0 (unlimited)
	length := uint32(4 + len(payload))
	buf := []byte{'E'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func makeCloseMessage(closeType byte, name string) []byte {
	var payload []byte
	payload = append(payload, closeType)
	payload = append(payload, []byte(name)...)
	payload = append(payload, 0)
	length := uint32(4 + len(payload))
	buf := []byte{'C'}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf
}

func TestSSLRequestIntercept(t *testing.T) {
	p := NewPostgresParser()
	buf := makeStartupMessage(sslRequestCode)

	resp := p.HandleStartupIntercept(buf, Frontend)
	if string(resp) != "N" {
		t.Fatalf("expected reject response 'N', got %q", resp)
	}
	if p.phase != phaseAwaitingStartupAfterSslReject {
		t.Fatalf("expected phase AwaitingStartupAfterSslReject, got %v", p.phase)
	}
}

func TestStartupMessageAdvancesPhase(t *testing.T) {
	p := NewPostgresParser()
	buf := makeStartupMessage(startupVersion3)

	_, consumed, ok := p.TryParse(buf, Frontend)
	if !ok {
		t.Fatal("expected startup message to parse")
	}
	if consumed != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), consumed)
	}
	if p.phase != phaseAuthenticating {
		t.Fatalf("expected phase Authenticating, got %v", p.phase)
	}
}

func TestCancelRequestDoesNotAdvancePhase(t *testing.T) {
	p := NewPostgresParser()
	buf := makeStartupMessage(cancelRequestCode)

	ev, consumed, ok := p.TryParse(buf, Frontend)
	if !ok {
		t.Fatal("expected cancel request to parse")
	}
	if consumed != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), consumed)
	}
	if p.phase != phaseAwaitingStartup {
		t.Fatalf("cancel request must not advance phase, got %v", p.phase)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("expected EventUnknown for cancel request, got %v", ev.Kind)
	}
}

func TestSimpleQueryParse(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	buf := makeQueryMessage("SELECT * FROM users")
	ev, consumed, ok := p.TryParse(buf, Frontend)
	if !ok {
		t.Fatal("expected query message to parse")
	}
	if consumed != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), consumed)
	}
	if ev.Kind != EventQueryStart || ev.SQL != "SELECT * FROM users" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCommandComplete(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	buf := makeCommandComplete("SELECT 5")
	ev, _, ok := p.TryParse(buf, Backend)
	if !ok {
		t.Fatal("expected command complete to parse")
	}
	if ev.Kind != EventQueryComplete || ev.Tag != "SELECT 5" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Rows == nil || *ev.Rows != 5 {
		t.Fatalf("expected rows=5, got %v", ev.Rows)
	}
}

func TestReadyForQuery(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	buf := makeReadyForQuery('I')
	ev, _, ok := p.TryParse(buf, Backend)
	if !ok {
		t.Fatal("expected ready-for-query to parse")
	}
	if ev.Kind != EventConnectionReady || ev.Status != TxIdle {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestIncompleteMessageReturnsNotOk(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	buf := []byte{'Q', 0, 0}
	_, _, ok := p.TryParse(buf, Frontend)
	if ok {
		t.Fatal("expected incomplete message to report not-ok")
	}
}

func TestPartialMessageReturnsNotOk(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	full := makeQueryMessage("SELECT 1")
	partial := full[:len(full)-2]
	_, _, ok := p.TryParse(partial, Frontend)
	if ok {
		t.Fatal("expected partial message to report not-ok")
	}
}

func TestMultipleMessagesInBuffer(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	buf := append(makeQueryMessage("SELECT 1"), makeQueryMessage("SELECT 2")...)

	ev1, consumed1, ok := p.TryParse(buf, Frontend)
	if !ok || ev1.SQL != "SELECT 1" {
		t.Fatalf("unexpected first event: %+v ok=%v", ev1, ok)
	}

	ev2, _, ok := p.TryParse(buf[consumed1:], Frontend)
	if !ok || ev2.SQL != "SELECT 2" {
		t.Fatalf("unexpected second event: %+v ok=%v", ev2, ok)
	}
}

func TestTruncateSQLRespectsUTF8Boundary(t *testing.T) {
	s := strings.Repeat("a", maxSQLLen-1) + "\U0001F600"
	got := truncateSQL(s)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated suffix, got %q", got[len(got)-10:])
	}
	if !isValidUTF8(got) {
		t.Fatal("truncation split a UTF-8 codepoint")
	}
}

func isValidUTF8(s string) bool {
	for i := 0; i < len(s); {
		r := s[i]
		switch {
		case r < 0x80:
			i++
		case r&0xE0 == 0xC0:
			i += 2
		case r&0xF0 == 0xE0:
			i += 3
		case r&0xF8 == 0xF0:
			i += 4
		default:
			return false
		}
		if i > len(s) {
			return false
		}
	}
	return true
}

func TestParseCommandTagRows(t *testing.T) {
	cases := []struct {
		tag  string
		want *uint64
	}{
		{"INSERT 0 3", ptr(3)},
		{"SELECT 5", ptr(5)},
		{"BEGIN", nil},
		{"COMMIT", nil},
	}
	for _, tc := range cases {
		got := parseCommandTagRows(tc.tag)
		if (got == nil) != (tc.want == nil) {
			t.Errorf("parseCommandTagRows(%q) = %v, want %v", tc.tag, got, tc.want)
			continue
		}
		if got != nil && *got != *tc.want {
			t.Errorf("parseCommandTagRows(%q) = %d, want %d", tc.tag, *got, *tc.want)
		}
	}
}

func ptr(v uint64) *uint64 { return &v }

func TestExtendedBindExecute(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	parse := makeParseMessage("s1", "SELECT * FROM users")
	ev, _, ok := p.TryParse(parse, Frontend)
	if !ok || ev.Kind != EventParseDetected {
		t.Fatalf("expected ParseDetected, got %+v ok=%v", ev, ok)
	}

	bind := makeBindMessage("", "s1")
	ev, _, ok = p.TryParse(bind, Frontend)
	if !ok || ev.Kind != EventUnknown {
		t.Fatalf("expected Unknown for Bind, got %+v ok=%v", ev, ok)
	}

	exec := makeExecuteMessage("")
	ev, _, ok = p.TryParse(exec, Frontend)
	if !ok || ev.Kind != EventQueryStart || ev.SQL != "SELECT * FROM users" {
		t.Fatalf("expected QueryStart from Parse SQL, got %+v ok=%v", ev, ok)
	}
}

func TestExtendedPipelineTwoPortalsSameStatement(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	parse := makeParseMessage("s1", "INSERT INTO t VALUES ($1)")
	if _, _, ok := p.TryParse(parse, Frontend); !ok {
		t.Fatal("expected parse to succeed")
	}

	bind1 := makeBindMessage("p1", "s1")
	if _, _, ok := p.TryParse(bind1, Frontend); !ok {
		t.Fatal("expected bind1 to succeed")
	}
	exec1 := makeExecuteMessage("p1")
	ev, _, ok := p.TryParse(exec1, Frontend)
	if !ok || ev.SQL != "INSERT INTO t VALUES ($1)" {
		t.Fatalf("unexpected exec1 event: %+v ok=%v", ev, ok)
	}

	bind2 := makeBindMessage("p2", "s1")
	if _, _, ok := p.TryParse(bind2, Frontend); !ok {
		t.Fatal("expected bind2 to succeed")
	}
	exec2 := makeExecuteMessage("p2")
	ev, _, ok = p.TryParse(exec2, Frontend)
	if !ok || ev.SQL != "INSERT INTO t VALUES ($1)" {
		t.Fatalf("unexpected exec2 event: %+v ok=%v", ev, ok)
	}
}

func TestCloseCleansUp(t *testing.T) {
	p := NewPostgresParser()
	p.phase = phaseReady

	parse := makeParseMessage("s1", "SELECT 1")
	if _, _, ok := p.TryParse(parse, Frontend); !ok {
		t.Fatal("expected parse to succeed")
	}
	bind := makeBindMessage("p1", "s1")
	if _, _, ok := p.TryParse(bind, Frontend); !ok {
		t.Fatal("expected bind to succeed")
	}

	if _, ok := p.statements["s1"]; !ok {
		t.Fatal("expected statement s1 to be tracked")
	}
	if _, ok := p.portals["p1"]; !ok {
		t.Fatal("expected portal p1 to be tracked")
	}

	closeP := makeCloseMessage('P', "p1")
	if _, _, ok := p.TryParse(closeP, Frontend); !ok {
		t.Fatal("expected close portal to succeed")
	}
	if _, ok := p.portals["p1"]; ok {
		t.Fatal("expected portal p1 to be removed")
	}

	closeS := makeCloseMessage('S', "s1")
	if _, _, ok := p.TryParse(closeS, Frontend); !ok {
		t.Fatal("expected close statement to succeed")
	}
	if _, ok := p.statements["s1"]; ok {
		t.Fatal("expected statement s1 to be removed")
	}
}

func TestParseErrorResponse(t *testing.T) {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, []byte("ERROR")...)
	payload = append(payload, 0)
	payload = append(payload, 'C')
	payload = append(payload, []byte("42601")...)
	payload = append(payload, 0)
	payload = append(payload, 'M')
	payload = append(payload, []byte("syntax error")...)
	payload = append(payload, 0)
	payload = append(payload, 0) // terminator

	severity, code, message := parseErrorResponse(payload)
	if severity != "ERROR" || code != "42601" || message != "syntax error" {
		t.Fatalf("unexpected parse: severity=%q code=%q message=%q", severity, code, message)
	}
}
