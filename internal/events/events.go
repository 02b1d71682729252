// Package events fans command status events out to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

// DefaultSubscriberBuffer is the channel size used by Subscribe.
const DefaultSubscriberBuffer = 64

// CommandEvent is one observed status update of a command. Logs is the
// text carried by this update; Output is the reassembled buffer and is only
// set once the command is terminal.
type CommandEvent struct {
	CommandID  string                 `json:"command_id"`
	NodeID     uuid.UUID              `json:"node_id"`
	Type       string                 `json:"type,omitempty"`
	Status     protocol.CommandStatus `json:"status"`
	Seq        int                    `json:"seq"`
	Logs       string                 `json:"logs,omitempty"`
	Output     string                 `json:"output,omitempty"`
	Structured bool                   `json:"structured,omitempty"`
	At         time.Time              `json:"at"`
}

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev CommandEvent) error
	Close() error
}

// Bus delivers events to in-process subscribers and an optional publisher.
// Slow subscribers miss events rather than block the caller.
type Bus struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[chan CommandEvent]struct{}

	publisher Publisher
}

// NewBus creates a bus. publisher may be nil.
func NewBus(log zerolog.Logger, publisher Publisher) *Bus {
	return &Bus{
		log:       log.With().Str("component", "events").Logger(),
		subs:      make(map[chan CommandEvent]struct{}),
		publisher: publisher,
	}
}

// Subscribe returns a channel receiving every subsequent event. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(buffer int) chan CommandEvent {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan CommandEvent, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan CommandEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers ev to every subscriber and the publisher. Publisher
// errors are logged, not returned.
func (b *Bus) Publish(ctx context.Context, ev CommandEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("command_id", ev.CommandID).Msg("event subscriber not keeping up")
		}
	}
	b.mu.Unlock()

	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.log.Error().Err(err).Str("command_id", ev.CommandID).Msg("failed to publish event")
	}
}

// Close closes the publisher and every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()

	if b.publisher != nil {
		return b.publisher.Close()
	}
	return nil
}
