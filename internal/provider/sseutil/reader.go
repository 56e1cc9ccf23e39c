// Package sseutil provides shared stream framing utilities: SSE line
// parsing and format-aware event readers for upstream bodies.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; tool arguments can get large

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its field name and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> field="event", value=type, ok=true
//	"data: <payload>" -> field="data", value=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseSSELine(line string) (field, value string, ok bool) {
	if line == "" {
		return "", "", false
	}
	// SSE comments start with ':'
	if line[0] == ':' {
		return "", "", false
	}

	key, val, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	val = strings.TrimPrefix(val, " ")

	switch key {
	case "event", "data":
		return key, val, true
	default:
		return "", "", false
	}
}
