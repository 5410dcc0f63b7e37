// Package fingerprint normalizes SQL text into a canonical form with
// literals elided, suitable as an aggregation key for the stats
// collector. It is pure, but not allocation-free beyond its result: it
// copies the input into a byte slice and builds intermediate strings for
// the IN-list pass and the final lowercasing.
//
// The PostgreSQL wire protocol carries literal SQL text, not a parsed
// AST, so there is no ready-made tokenizer in the dependency tree that
// already implements this exact, deliberately lossy canonicalization
// (dollar-quoted strings, doubled-quote escapes, IN-list collapsing).
// A general SQL parser would need to be fought into producing this
// shape rather than used as-is, so this is a small hand-rolled scanner
// instead of a library dependency.
package fingerprint

import "strings"

// Fingerprint scans sql byte-by-byte, replacing string and numeric
// literals with placeholders and collapsing IN (...) lists, then
// lowercases the result. Malformed or non-UTF-8 input never panics;
// fingerprinting is best-effort and not a correctness concern.
func Fingerprint(sql string) string {
	if sql == "" {
		return ""
	}
	var out strings.Builder
	out.Grow(len(sql))

	b := []byte(sql)
	n := len(b)
	i := 0

	for i < n {
		switch {
		case b[i] == '\'':
			out.WriteString("$S")
			i++
			for i < n {
				if b[i] == '\'' {
					i++
					if i < n && b[i] == '\'' {
						i++ // escaped quote, literal continues
						continue
					}
					break
				}
				i++
			}

		case b[i] == '$' && i+1 < n && isDigit(b[i+1]):
			// positional parameter ($1, $2, ...), left untouched
			out.WriteByte(b[i])
			i++
			for i < n && isDigit(b[i]) {
				out.WriteByte(b[i])
				i++
			}

		case b[i] == '$' && i+1 < n && (b[i+1] == '$' || isIdentStart(b[i+1])):
			if tagEnd, ok := findDollarTagEnd(b, i); ok {
				tag := sql[i : tagEnd+1]
				out.WriteString("$S")
				i = tagEnd + 1
				closed := false
				for i+len(tag) <= n {
					if sql[i:i+len(tag)] == tag {
						i += len(tag)
						closed = true
						break
					}
					i++
				}
				if !closed {
					i = n
				}
			} else {
				out.WriteByte(b[i])
				i++
			}

		case isDigit(b[i]):
			prevIsIdent := i > 0 && isIdentChar(b[i-1])
			if prevIsIdent {
				out.WriteByte(b[i])
				i++
			} else {
				out.WriteString("$N")
				for i < n && (isDigit(b[i]) || b[i] == '.') {
					i++
				}
			}

		default:
			out.WriteByte(b[i])
			i++
		}
	}

	return strings.ToLower(normalizeInLists(out.String()))
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

// findDollarTagEnd locates the closing '$' of a dollar-quote opening
// tag ("$$" or "$tag$") starting at start. A bare "$1" parameter
// placeholder has no closing '$' immediately after the identifier
// characters and is reported as not found.
func findDollarTagEnd(b []byte, start int) (int, bool) {
	i := start + 1
	if i < len(b) && b[i] == '$' {
		return i, true
	}
	for i < len(b) && isIdentChar(b[i]) {
		i++
	}
	if i < len(b) && b[i] == '$' {
		return i, true
	}
	return 0, false
}

// normalizeInLists collapses "IN ($N, $N, ...)" / "IN ($S, $S, ...)"
// runs into the single token "IN ($...)". The IN keyword must sit at a
// word boundary and is matched case-insensitively.
func normalizeInLists(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	upper := strings.ToUpper(s)
	b := []byte(s)
	n := len(b)
	i := 0

	for i < n {
		if i+2 <= n && upper[i:i+2] == "IN" && (i == 0 || !isIdentChar(b[i-1])) {
			j := i + 2
			for j < n && (b[j] == ' ' || b[j] == '\t' || b[j] == '\n' || b[j] == '\r') {
				j++
			}
			if j < n && b[j] == '(' {
				j++
				allPlaceholders := true
				hasPlaceholder := false
				for j < n && b[j] != ')' {
					switch b[j] {
					case '$':
						hasPlaceholder = true
						j++
						if j < n && (b[j] == 'N' || b[j] == 'S') {
							j++
						} else {
							allPlaceholders = false
						}
					case ',', ' ':
						j++
					default:
						allPlaceholders = false
					}
					if !allPlaceholders {
						break
					}
				}
				if allPlaceholders && hasPlaceholder && j < n && b[j] == ')' {
					out.WriteString(s[i:i+2])
					out.WriteString(" ($...)")
					i = j + 1
					continue
				}
			}
		}
		out.WriteByte(b[i])
		i++
	}

	return out.String()
}
