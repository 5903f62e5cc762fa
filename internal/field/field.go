// Package field tracks live map instances and the key handshake that
// attaches a connection to one.
package field

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// InstanceKey identifies one live copy of a map.
type InstanceKey struct {
	MapID      int32
	InstanceID int32 // 0 = the shared copy
	OwnerID    int32 // 0 = not private
}

// Public reports whether the instance is the shared, unowned copy of its
// map. Public instances live for the lifetime of the process.
func (k InstanceKey) Public() bool {
	return k.InstanceID == 0 && k.OwnerID == 0
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("map=%d instance=%d owner=%d", k.MapID, k.InstanceID, k.OwnerID)
}

// Member is an attached connection. Deliver must not block; it reports
// whether the message was queued.
type Member interface {
	ID() uint64
	Deliver(data []byte) bool
}

// Instance is a live FieldInstance and the connections attached to it.
type Instance struct {
	key     InstanceKey
	mu      sync.RWMutex
	members map[uint64]Member
}

func (in *Instance) Key() InstanceKey { return in.key }

func (in *Instance) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.members)
}

func (in *Instance) Has(id uint64) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	_, ok := in.members[id]
	return ok
}

// Broadcast delivers data to every member except from. It returns how many
// members accepted the message.
func (in *Instance) Broadcast(from uint64, data []byte) int {
	in.mu.RLock()
	targets := make([]Member, 0, len(in.members))
	for id, m := range in.members {
		if id != from {
			targets = append(targets, m)
		}
	}
	in.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if m.Deliver(data) {
			delivered++
		}
	}
	return delivered
}

// Manager owns all instances of one channel process.
type Manager struct {
	mu        sync.Mutex
	instances map[InstanceKey]*Instance
	log       *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		instances: make(map[InstanceKey]*Instance),
		log:       log,
	}
}

// Attach joins m to the instance for key, creating it on first attach.
// Attaching an already attached member is a no-op.
func (mgr *Manager) Attach(key InstanceKey, m Member) *Instance {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	in, ok := mgr.instances[key]
	if !ok {
		in = &Instance{key: key, members: make(map[uint64]Member)}
		mgr.instances[key] = in
		mgr.log.Debug("field instance created", zap.Stringer("field", key))
	}
	in.mu.Lock()
	in.members[m.ID()] = m
	in.mu.Unlock()
	return in
}

// Detach removes a member. Private and instanced fields are destroyed once
// their last member leaves.
func (mgr *Manager) Detach(in *Instance, id uint64) {
	if in == nil {
		return
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	in.mu.Lock()
	delete(in.members, id)
	empty := len(in.members) == 0
	in.mu.Unlock()

	if empty && !in.key.Public() && mgr.instances[in.key] == in {
		delete(mgr.instances, in.key)
		mgr.log.Debug("field instance destroyed", zap.Stringer("field", in.key))
	}
}

// Lookup returns the live instance for key.
func (mgr *Manager) Lookup(key InstanceKey) (*Instance, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	in, ok := mgr.instances[key]
	return in, ok
}

// Count returns the number of live instances.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.instances)
}
