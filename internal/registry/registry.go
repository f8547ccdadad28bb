// Package registry tracks live relay connections by role and declared id.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrAlreadyRegistered = errors.New("registry: target id already registered")

type Role int

const (
	RoleTarget Role = iota + 1
	RoleController
)

func (r Role) String() string {
	switch r {
	case RoleTarget:
		return "target"
	case RoleController:
		return "controller"
	}
	return "unknown"
}

// Peer is the delivery side of a connection. Enqueue hands a frame to the
// connection's outbound queue; nothing else may write to its transport.
type Peer interface {
	ID() string
	Enqueue(ctx context.Context, frame []byte) error
}

// Record is the registry's view of one connection. Records are never mutated
// after registration; a pointer to one doubles as the removal handle.
type Record struct {
	ConnID      string
	Role        Role
	DeclaredID  string
	DisplayName string
	ConnectedAt time.Time
	Peer        Peer
}

type Registry struct {
	mu      sync.RWMutex
	now     func() time.Time
	targets map[string]*Record
	conns   map[string]*Record
}

func New() *Registry {
	return &Registry{
		now:     time.Now,
		targets: make(map[string]*Record),
		conns:   make(map[string]*Record),
	}
}

func (r *Registry) RegisterTarget(targetID, displayName string, p Peer) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[targetID]; ok {
		return nil, ErrAlreadyRegistered
	}
	rec := &Record{
		ConnID:      p.ID(),
		Role:        RoleTarget,
		DeclaredID:  targetID,
		DisplayName: displayName,
		ConnectedAt: r.now(),
		Peer:        p,
	}
	r.targets[targetID] = rec
	r.conns[rec.ConnID] = rec
	return rec, nil
}

// RegisterController always succeeds; a controller is addressed by its
// connection id.
func (r *Registry) RegisterController(p Peer) *Record {
	rec := &Record{
		ConnID:      p.ID(),
		Role:        RoleController,
		DeclaredID:  p.ID(),
		ConnectedAt: r.now(),
		Peer:        p,
	}
	r.mu.Lock()
	r.conns[rec.ConnID] = rec
	r.mu.Unlock()
	return rec
}

func (r *Registry) Lookup(targetID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.targets[targetID]
	return rec, ok
}

func (r *Registry) LookupConn(connID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	return rec, ok
}

// ResolveTarget returns the connection id registered for targetID.
func (r *Registry) ResolveTarget(targetID string) (string, bool) {
	rec, ok := r.Lookup(targetID)
	if !ok {
		return "", false
	}
	return rec.ConnID, true
}

// Remove drops rec if it is still the live record for its connection. It
// reports whether anything was removed; repeated calls are no-ops.
func (r *Registry) Remove(rec *Record) bool {
	if rec == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[rec.ConnID]
	if !ok || cur != rec {
		return false
	}
	delete(r.conns, rec.ConnID)
	if rec.Role == RoleTarget {
		if t, ok := r.targets[rec.DeclaredID]; ok && t == rec {
			delete(r.targets, rec.DeclaredID)
		}
	}
	return true
}

// Targets returns a snapshot of registered targets ordered by id.
func (r *Registry) Targets() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.targets))
	for _, rec := range r.targets {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeclaredID < out[j].DeclaredID
	})
	return out
}

func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == RoleTarget {
		return len(r.targets)
	}
	n := 0
	for _, rec := range r.conns {
		if rec.Role == role {
			n++
		}
	}
	return n
}

// Peers returns every registered connection's peer.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.conns))
	for _, rec := range r.conns {
		out = append(out, rec.Peer)
	}
	return out
}
