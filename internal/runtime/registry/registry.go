// Package registry indexes the live connections of a process by tenant,
// service, user, role, context and client identifier.
package registry

import (
	"sort"
	"sync"
)

// Member is a connection as seen by the registry and the broadcast engine.
// User, Roles and Identifier must not change after registration.
type Member interface {
	ID() string
	User() string
	Roles() []string
	Identifier() string
	// Ready reports whether the underlying transport is open.
	Ready() bool
	// Deliver hands a composed frame for event to the connection's writer.
	Deliver(event string, payload []byte) error
}

// Set is a set of members keyed by connection id.
type Set map[string]Member

// Has reports whether the set contains the member with the given id.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Indexes are the five indexes of one (tenant, service) entry.
type Indexes struct {
	All          Set
	ByUser       map[string]Set
	ByRole       map[string]Set
	ByContext    map[string]Set
	ByIdentifier map[string]Set
}

func newIndexes() *Indexes {
	return &Indexes{
		All:          Set{},
		ByUser:       map[string]Set{},
		ByRole:       map[string]Set{},
		ByContext:    map[string]Set{},
		ByIdentifier: map[string]Set{},
	}
}

func (ix *Indexes) clone() *Indexes {
	out := newIndexes()
	for id, m := range ix.All {
		out.All[id] = m
	}
	copyIndex := func(dst, src map[string]Set) {
		for k, set := range src {
			cp := make(Set, len(set))
			for id, m := range set {
				cp[id] = m
			}
			dst[k] = cp
		}
	}
	copyIndex(out.ByUser, ix.ByUser)
	copyIndex(out.ByRole, ix.ByRole)
	copyIndex(out.ByContext, ix.ByContext)
	copyIndex(out.ByIdentifier, ix.ByIdentifier)
	return out
}

type key struct {
	tenant  string
	service string
}

type entry struct {
	indexes  *Indexes
	contexts map[string]map[string]struct{}
}

// Registry is the per-process connection registry. All methods are safe for
// concurrent use; every mutation updates the connection's attribute and its
// index under one write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: map[key]*entry{}}
}

// Register adds conn to the (tenant, service) entry, indexing its user,
// roles and identifier. Registering twice is a no-op.
func (r *Registry) Register(tenant, service string, conn Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant, service}
	e, ok := r.entries[k]
	if !ok {
		e = &entry{indexes: newIndexes(), contexts: map[string]map[string]struct{}{}}
		r.entries[k] = e
	}
	id := conn.ID()
	if e.indexes.All.Has(id) {
		return
	}
	e.indexes.All[id] = conn
	if user := conn.User(); user != "" {
		add(e.indexes.ByUser, user, conn)
	}
	for _, role := range conn.Roles() {
		add(e.indexes.ByRole, role, conn)
	}
	if ident := conn.Identifier(); ident != "" {
		add(e.indexes.ByIdentifier, ident, conn)
	}
}

// Unregister removes conn from every index of the entry and drops the entry
// when it becomes empty.
func (r *Registry) Unregister(tenant, service string, conn Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant, service}
	e, ok := r.entries[k]
	if !ok {
		return
	}
	id := conn.ID()
	if !e.indexes.All.Has(id) {
		return
	}
	delete(e.indexes.All, id)
	if user := conn.User(); user != "" {
		remove(e.indexes.ByUser, user, id)
	}
	for _, role := range conn.Roles() {
		remove(e.indexes.ByRole, role, id)
	}
	if ident := conn.Identifier(); ident != "" {
		remove(e.indexes.ByIdentifier, ident, id)
	}
	for ctx := range e.contexts[id] {
		remove(e.indexes.ByContext, ctx, id)
	}
	delete(e.contexts, id)

	if len(e.indexes.All) == 0 {
		delete(r.entries, k)
	}
}

// EnterContext adds conn to context ctx. Entering twice is a no-op, as is
// entering with a connection that is not registered.
func (r *Registry) EnterContext(tenant, service string, conn Member, ctx string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{tenant, service}]
	if !ok || !e.indexes.All.Has(conn.ID()) {
		return
	}
	id := conn.ID()
	set, ok := e.contexts[id]
	if !ok {
		set = map[string]struct{}{}
		e.contexts[id] = set
	}
	set[ctx] = struct{}{}
	add(e.indexes.ByContext, ctx, conn)
}

// ExitContext removes conn from context ctx. Exiting a context the
// connection is not in is a no-op.
func (r *Registry) ExitContext(tenant, service string, conn Member, ctx string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{tenant, service}]
	if !ok {
		return
	}
	id := conn.ID()
	set, ok := e.contexts[id]
	if !ok {
		return
	}
	if _, in := set[ctx]; !in {
		return
	}
	delete(set, ctx)
	if len(set) == 0 {
		delete(e.contexts, id)
	}
	remove(e.indexes.ByContext, ctx, id)
}

// ExitAll removes conn from every context it is in.
func (r *Registry) ExitAll(tenant, service string, conn Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{tenant, service}]
	if !ok {
		return
	}
	id := conn.ID()
	for ctx := range e.contexts[id] {
		remove(e.indexes.ByContext, ctx, id)
	}
	delete(e.contexts, id)
}

// Contexts returns the sorted contexts conn is currently in.
func (r *Registry) Contexts(tenant, service string, conn Member) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key{tenant, service}]
	if !ok {
		return nil
	}
	set := e.contexts[conn.ID()]
	out := make([]string, 0, len(set))
	for ctx := range set {
		out = append(out, ctx)
	}
	sort.Strings(out)
	return out
}

// Lookup returns a snapshot of the entry's indexes. An unknown pair yields
// fresh empty indexes, never nil.
func (r *Registry) Lookup(tenant, service string) *Indexes {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[key{tenant, service}]; ok {
		return e.indexes.clone()
	}
	return newIndexes()
}

// View runs fn with the live indexes of the entry under the read lock. fn must
// not retain the indexes or call back into the registry.
func (r *Registry) View(tenant, service string, fn func(ix *Indexes)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[key{tenant, service}]; ok {
		fn(e.indexes)
		return
	}
	fn(newIndexes())
}

// Count returns the number of connections registered under the pair.
func (r *Registry) Count(tenant, service string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[key{tenant, service}]; ok {
		return len(e.indexes.All)
	}
	return 0
}

// Stat summarises one registry entry.
type Stat struct {
	Tenant      string `json:"tenant"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Contexts    int    `json:"contexts"`
}

// Stats returns one Stat per live entry, sorted by service then tenant.
func (r *Registry) Stats() []Stat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stat, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, Stat{
			Tenant:      k.tenant,
			Service:     k.service,
			Connections: len(e.indexes.All),
			Users:       len(e.indexes.ByUser),
			Contexts:    len(e.indexes.ByContext),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Tenant < out[j].Tenant
	})
	return out
}

func add(index map[string]Set, k string, m Member) {
	set, ok := index[k]
	if !ok {
		set = Set{}
		index[k] = set
	}
	set[m.ID()] = m
}

func remove(index map[string]Set, k, id string) {
	set, ok := index[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, k)
	}
}
