package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

func TestAccumulate(t *testing.T) {
	buf := Accumulate("stale", `{"items":[`, true)
	assert.Equal(t, `{"items":[`, buf)

	buf = Accumulate(buf, `1,2`, false)
	buf = Accumulate(buf, `]}`, false)
	assert.Equal(t, `{"items":[1,2]}`, buf)

	assert.Equal(t, "new", Accumulate(buf, "new", true))
}

func TestAccumulate_NoInsertedCharacters(t *testing.T) {
	for _, tc := range []struct{ f1, f2 string }{
		{"a", "b"},
		{"line\n", "next"},
		{"", " "},
		{"{", "}"},
	} {
		got := Accumulate(Accumulate("", tc.f1, true), tc.f2, false)
		assert.Equal(t, tc.f1+tc.f2, got)
	}
}

func TestIsStructuredOutput(t *testing.T) {
	assert.False(t, IsStructuredOutput(true, protocol.StatusQueued))
	assert.True(t, IsStructuredOutput(true, protocol.StatusInProgress))
	assert.True(t, IsStructuredOutput(true, protocol.StatusSuccess))
	assert.True(t, IsStructuredOutput(true, protocol.StatusFailed))

	for _, s := range []protocol.CommandStatus{
		protocol.StatusQueued, protocol.StatusInProgress, protocol.StatusSuccess, protocol.StatusFailed,
	} {
		assert.False(t, IsStructuredOutput(false, s), s)
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	doc := `{"containers":[` + strings.Repeat(`{"id":"abc","state":"running"},`, 40) + `{}]}`
	parts := Split(doc, 64)
	require.Greater(t, len(parts), 1)

	var buf string
	for i, p := range parts {
		assert.LessOrEqual(t, len(p), 64)
		buf = Accumulate(buf, p, i == 0)
	}
	assert.Equal(t, doc, buf)

	assert.Equal(t, []string{""}, Split("", 64))
	assert.Equal(t, []string{"small"}, Split("small", 64))
}

func TestSplit_NonASCIISurvivesEncoding(t *testing.T) {
	doc := `{"names":[` + strings.Repeat(`"café-ünïcödé-日本",`, 30) + `"🚀"]}`
	for _, size := range []int{1, 2, 3, 5, 97} {
		parts := Split(doc, size)

		var buf string
		for i, p := range parts {
			require.True(t, utf8.ValidString(p), "size %d fragment %d: %q", size, i, p)
			if size >= utf8.UTFMax {
				assert.LessOrEqual(t, len(p), size)
			}

			data, err := protocol.Encode(protocol.TypeCommandStatus, protocol.StatusPayload{CommandID: "c1", Logs: p, Seq: i})
			require.NoError(t, err)
			var msg protocol.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			var got protocol.StatusPayload
			require.NoError(t, msg.ParsePayload(&got))

			buf = Accumulate(buf, got.Logs, i == 0)
		}
		assert.Equal(t, doc, buf, "size %d", size)
	}
}

func TestRuneBoundary(t *testing.T) {
	s := "aé日" // a | c3 a9 | e6 97 a5
	assert.Equal(t, 1, RuneBoundary(s, 1))
	assert.Equal(t, 1, RuneBoundary(s, 2))
	assert.Equal(t, 3, RuneBoundary(s, 3))
	assert.Equal(t, 3, RuneBoundary(s, 4))
	assert.Equal(t, 3, RuneBoundary(s, 5))
	assert.Equal(t, 6, RuneBoundary(s, 6))
	assert.Equal(t, 6, RuneBoundary(s, 100))
	assert.Equal(t, 0, RuneBoundary("日", 2))
	assert.Equal(t, 2, RuneBoundary([]byte("ab"), 2))
}

func TestCompleteRunes(t *testing.T) {
	b := []byte("aé日")
	assert.Equal(t, 6, CompleteRunes(b))
	assert.Equal(t, 3, CompleteRunes(b[:5]))
	assert.Equal(t, 3, CompleteRunes(b[:4]))
	assert.Equal(t, 1, CompleteRunes(b[:2]))
	assert.Equal(t, 0, CompleteRunes(b[3:4]))
	assert.Equal(t, 0, CompleteRunes(nil))
	assert.Equal(t, 2, CompleteRunes([]byte{'x', 0xff}), "invalid bytes are not held back")
}

func TestTracker_ReassemblesStructuredOutput(t *testing.T) {
	tr := NewTracker(16, time.Minute)

	updates := []protocol.StatusPayload{
		{CommandID: "c1", Status: protocol.StatusInProgress, Logs: `[{"name":`, Structured: true, Seq: 0},
		{CommandID: "c1", Status: protocol.StatusInProgress, Logs: `"web"},`, Structured: true, Seq: 1},
		{CommandID: "c1", Status: protocol.StatusSuccess, Logs: `{"name":"db"}]`, Structured: true, Seq: 2},
	}
	var last Entry
	for _, u := range updates {
		var err error
		last, err = tr.Apply(u, true)
		require.NoError(t, err)
	}

	assert.Equal(t, `[{"name":"web"},{"name":"db"}]`, last.Buffer)
	assert.True(t, last.Structured)
	assert.Equal(t, protocol.StatusSuccess, last.Status)

	got, ok := tr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, last.Buffer, got.Buffer)
}

func TestTracker_RejectsUpdatesAfterTerminal(t *testing.T) {
	tr := NewTracker(16, time.Minute)
	_, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusFailed, Logs: "boom"}, true)
	require.NoError(t, err)

	entry, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusInProgress, Logs: "late", Seq: 1}, true)
	assert.ErrorIs(t, err, ErrStaleUpdate)
	assert.Equal(t, protocol.StatusFailed, entry.Status)

	got, ok := tr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "boom", got.Buffer)
}

func TestTracker_FirstFragmentOverwritesStaleBuffer(t *testing.T) {
	tr := NewTracker(16, time.Minute)
	_, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusInProgress, Logs: "old run", Seq: 0}, true)
	require.NoError(t, err)

	// Redelivery after reconnect restarts the sequence.
	_, err = tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusInProgress, Logs: "new run", Seq: 0}, true)
	require.NoError(t, err)
	entry, ok := tr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "new run", entry.Buffer)
}

func TestTracker_QueuedIsNotStructured(t *testing.T) {
	tr := NewTracker(16, time.Minute)
	entry, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusQueued, Structured: true}, true)
	require.NoError(t, err)
	assert.False(t, entry.Structured)
	assert.Empty(t, entry.Buffer)

	tr.Remove("c1")
	assert.Zero(t, tr.Len())
}

func TestTracker_BufferStopsAtCap(t *testing.T) {
	tr := NewTracker(16, time.Minute, WithMaxBuffer(1<<20))
	frame := strings.Repeat("x", 87*1024)

	start := time.Now()
	for i := range 400 {
		_, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusInProgress, Logs: frame, Seq: i}, true)
		require.NoError(t, err)
	}
	entry, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusSuccess, Logs: "done", Seq: 400}, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, entry.Truncated)
	assert.LessOrEqual(t, len(entry.Buffer), 1<<20)
	assert.Equal(t, 11*len(frame), len(entry.Buffer), "whole frames are kept up to the cap")
}

func TestTracker_UnretainedOutputKeepsOnlyState(t *testing.T) {
	tr := NewTracker(16, time.Minute)
	for i := range 3 {
		_, err := tr.Apply(protocol.StatusPayload{CommandID: "dl", Status: protocol.StatusInProgress, Logs: `{"data":"AAAA"}`, Seq: i}, false)
		require.NoError(t, err)
	}
	live, ok := tr.Get("dl")
	require.True(t, ok)
	assert.Empty(t, live.Buffer)
	assert.Equal(t, 2, live.Seq)

	entry, err := tr.Apply(protocol.StatusPayload{CommandID: "dl", Status: protocol.StatusSuccess, Logs: `{"chunks":3}`, Seq: 3}, false)
	require.NoError(t, err)
	assert.True(t, entry.Truncated)
	assert.Empty(t, entry.Buffer)
}

func TestTracker_RedeliveryClearsTruncation(t *testing.T) {
	tr := NewTracker(16, time.Minute, WithMaxBuffer(8))
	_, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusInProgress, Logs: "0123456789", Seq: 0}, true)
	require.NoError(t, err)

	entry, err := tr.Apply(protocol.StatusPayload{CommandID: "c1", Status: protocol.StatusSuccess, Logs: "ok", Seq: 0}, true)
	require.NoError(t, err)
	assert.False(t, entry.Truncated)
	assert.Equal(t, "ok", entry.Buffer)
}
