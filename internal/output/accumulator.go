// Package output reassembles streamed command output. Structured commands
// (docker.list, file.list) send one JSON document split across several status
// frames; the fragments are contiguous and are joined without separators.
package output

import (
	"unicode/utf8"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

// Accumulate merges a fragment into the buffer for one command. The first
// fragment of a command replaces whatever was there before.
func Accumulate(existing, fragment string, first bool) string {
	if first {
		return fragment
	}
	return existing + fragment
}

// IsStructuredOutput reports whether a status update for a command carries a
// fragment of structured output. Queued never does.
func IsStructuredOutput(structured bool, status protocol.CommandStatus) bool {
	if !structured {
		return false
	}
	switch status {
	case protocol.StatusInProgress, protocol.StatusSuccess, protocol.StatusFailed:
		return true
	}
	return false
}

// Split cuts doc into contiguous fragments of at most size bytes. Joining the
// result with Accumulate reproduces doc exactly. Cuts fall on UTF-8
// boundaries so each fragment survives JSON encoding on its own; a single
// rune wider than size becomes its own fragment. An empty doc yields one
// empty fragment so that callers always emit a terminal frame.
func Split(doc string, size int) []string {
	if size <= 0 || len(doc) <= size {
		return []string{doc}
	}
	parts := make([]string, 0, (len(doc)+size-1)/size)
	for len(doc) > size {
		cut := RuneBoundary(doc, size)
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(doc)
		}
		parts = append(parts, doc[:cut])
		doc = doc[cut:]
	}
	return append(parts, doc)
}

// RuneBoundary returns the largest index i <= n at which s can be cut
// without splitting a UTF-8 sequence. It may return 0. Bytes that are not
// valid UTF-8 are cut at n.
func RuneBoundary[T ~string | ~[]byte](s T, n int) int {
	if n >= len(s) {
		return len(s)
	}
	if n <= 0 {
		return 0
	}
	for i := n; i >= 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return n
}

// CompleteRunes returns the length of b without a trailing incomplete
// UTF-8 sequence, i.e. the part that can be sent now while the rest of the
// rune is still to come.
func CompleteRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-1-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
