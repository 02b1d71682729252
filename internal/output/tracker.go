package output

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

// ErrStaleUpdate is returned for an update that would move a command
// backwards (for example anything after its terminal status).
var ErrStaleUpdate = errors.New("stale status update")

// Defaults for the tracker cache.
const (
	DefaultTrackerSize = 4096
	DefaultTrackerTTL  = 30 * time.Minute
	DefaultMaxBuffer   = 4 << 20
)

// Entry is the reassembled view of one command's output.
type Entry struct {
	CommandID  string
	Status     protocol.CommandStatus
	Buffer     string
	Structured bool
	Seq        int
	UpdatedAt  time.Time
	// Truncated is set when Buffer does not hold the whole output, either
	// because it outgrew the cap or because the output was not retained.
	Truncated bool
}

type tracked struct {
	entry Entry // Buffer is materialized from buf on read
	buf   []byte
}

func (t *tracked) snapshot() Entry {
	e := t.entry
	e.Buffer = string(t.buf)
	return e
}

// Tracker keeps one output buffer per active command. Entries age out of an
// expirable LRU so abandoned commands do not pin memory, and each buffer
// stops growing at a fixed cap.
type Tracker struct {
	mu        sync.Mutex
	cache     *expirable.LRU[string, *tracked]
	maxBuffer int
	now       func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithMaxBuffer caps the bytes kept per command.
func WithMaxBuffer(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxBuffer = n
		}
	}
}

// NewTracker creates a tracker holding at most size entries for ttl each.
func NewTracker(size int, ttl time.Duration, opts ...TrackerOption) *Tracker {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	t := &Tracker{
		cache:     expirable.NewLRU[string, *tracked](size, nil, ttl),
		maxBuffer: DefaultMaxBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply folds a status update into the command's buffer. Seq 0 marks the
// first fragment and always overwrites. With retain false only status and
// sequence are tracked; bulk transfers go to subscribers, not the buffer.
//
// The returned entry carries Buffer only for terminal updates; use Get for
// a live view.
func (t *Tracker) Apply(update protocol.StatusPayload, retain bool) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := update.Seq == 0
	tr, ok := t.cache.Get(update.CommandID)
	if ok && !first && !tr.entry.Status.CanTransition(update.Status) {
		return tr.entry, ErrStaleUpdate
	}
	if !ok {
		tr = &tracked{entry: Entry{CommandID: update.CommandID}}
		first = true
	}

	if first {
		tr.buf = tr.buf[:0]
		tr.entry.Truncated = false
	}
	switch {
	case update.Status == protocol.StatusQueued:
	case !retain:
		tr.buf = nil
		tr.entry.Truncated = true
	case tr.entry.Truncated:
	case len(tr.buf)+len(update.Logs) > t.maxBuffer:
		tr.entry.Truncated = true
	default:
		tr.buf = append(tr.buf, update.Logs...)
	}

	tr.entry.Structured = IsStructuredOutput(update.Structured, update.Status)
	tr.entry.Status = update.Status
	tr.entry.Seq = update.Seq
	tr.entry.UpdatedAt = t.now()
	t.cache.Add(update.CommandID, tr)

	if update.Status.IsTerminal() {
		return tr.snapshot(), nil
	}
	return tr.entry, nil
}

// Get returns the current entry for a command.
func (t *Tracker) Get(commandID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.cache.Get(commandID)
	if !ok {
		return Entry{}, false
	}
	return tr.snapshot(), true
}

// Remove drops a command's buffer.
func (t *Tracker) Remove(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(commandID)
}

// Len is the number of tracked commands.
func (t *Tracker) Len() int {
	return t.cache.Len()
}
