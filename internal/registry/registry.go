// Package registry tracks which transport connection currently serves each node.
//
// The orchestrator binds a node to a connection on agent handshake and unbinds
// it when the transport reports a disconnect. Only the connection id is known
// at disconnect time, so removal is keyed by connection id.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultSnapshotTTL bounds how long an unmutated snapshot is reused.
const DefaultSnapshotTTL = 2 * time.Second

// ErrNodeNotConnected indicates the node has no active connection.
var ErrNodeNotConnected = errors.New("node not connected")

// Registry maps node ids to their active connection id.
//
// Single-key operations are linearizable. GetConnectedNodeIdsSnapshot is
// eventually consistent: it may return a cached snapshot that misses a Set
// racing with it, which the next read after invalidation repairs.
type Registry struct {
	mu     sync.RWMutex
	byNode map[uuid.UUID]string
	byConn map[string]uuid.UUID

	// version is bumped under mu on every mutation.
	version atomic.Uint64

	snapMu      sync.Mutex
	snap        []uuid.UUID
	snapVersion uint64
	snapAt      time.Time

	ttl time.Duration
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSnapshotTTL overrides DefaultSnapshotTTL.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byNode: make(map[uuid.UUID]string),
		byConn: make(map[string]uuid.UUID),
		ttl:    DefaultSnapshotTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set binds nodeID to connectionID, superseding any previous binding of
// either side. The superseded connection is expected to be torn down by the
// transport on its own.
func (r *Registry) Set(nodeID uuid.UUID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byNode[nodeID]; ok {
		delete(r.byConn, old)
	}
	if other, ok := r.byConn[connectionID]; ok && other != nodeID {
		delete(r.byNode, other)
	}
	r.byNode[nodeID] = connectionID
	r.byConn[connectionID] = nodeID
	r.version.Add(1)
}

// TryGet returns the connection bound to nodeID.
func (r *Registry) TryGet(nodeID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byNode[nodeID]
	return conn, ok
}

// Resolve is TryGet with an error for callers that route commands.
func (r *Registry) Resolve(nodeID uuid.UUID) (string, error) {
	conn, ok := r.TryGet(nodeID)
	if !ok {
		return "", ErrNodeNotConnected
	}
	return conn, nil
}

// TryRemoveByConnectionId removes the binding owned by connectionID and
// returns the node it served. The cache is invalidated only on success.
func (r *Registry) TryRemoveByConnectionId(connectionID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok := r.byConn[connectionID]
	if !ok {
		return uuid.Nil, false
	}
	delete(r.byConn, connectionID)
	if r.byNode[nodeID] == connectionID {
		delete(r.byNode, nodeID)
	}
	r.version.Add(1)
	return nodeID, true
}

// GetConnectedNodeIdsSnapshot returns the ids of all connected nodes.
//
// The returned slice is shared between callers and must not be modified.
// Two calls with no mutation in between and within the TTL return the same
// slice, so callers can compare snapshots by identity.
func (r *Registry) GetConnectedNodeIdsSnapshot() []uuid.UUID {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	now := r.now()
	if r.snap != nil && r.snapVersion == r.version.Load() && now.Sub(r.snapAt) < r.ttl {
		return r.snap
	}

	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.byNode))
	for id := range r.byNode {
		ids = append(ids, id)
	}
	version := r.version.Load()
	r.mu.RUnlock()

	r.snap = ids
	r.snapVersion = version
	r.snapAt = now
	return ids
}

// HasConnections reports whether any node is bound.
func (r *Registry) HasConnections() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode) > 0
}

// Len returns the number of bound nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}

// Clear drops every binding.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNode = make(map[uuid.UUID]string)
	r.byConn = make(map[string]uuid.UUID)
	r.version.Add(1)
}
