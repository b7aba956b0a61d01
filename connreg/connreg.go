// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package connreg is the single in-process owner of every live bidirectional
// session: it indexes connections by id, by authenticated subject, and by
// subscribed topic, and is the sole holder of each connection's send handle.
package connreg

import (
	"errors"
	"sync"
	"time"

	"github.com/sage-x-project/sage/auth"
)

// ErrAlreadyExists is returned by Add when id is already registered.
var ErrAlreadyExists = errors.New("connreg: connection already exists")

// ErrNotFound is returned by operations addressing an unknown connection id.
var ErrNotFound = errors.New("connreg: connection not found")

// ErrClosed is returned by SendTo when the connection's sender has been torn
// down (the session is shutting down but has not yet called Remove).
var ErrClosed = errors.New("connreg: connection closed")

// Sender is the single-producer handle into a bidirectional session's
// outbound channel. Implementations must be safe for concurrent use; Enqueue
// ordering from a single caller is preserved (P-ORDER).
type Sender interface {
	Enqueue(frame interface{}) error
}

// Record is one live connection's registry-visible state. Id and the sender
// never change after creation; Principal and the topic set are mutable
// behind the record's own lock (single-writer discipline per spec §3).
type Record struct {
	ID        string
	CreatedAt time.Time

	sender Sender

	mu        sync.Mutex
	principal *auth.Principal
	topics    map[string]struct{}
	metadata  map[string]interface{}
}

func newRecord(id string, sender Sender, metadata map[string]interface{}) *Record {
	return &Record{
		ID:        id,
		CreatedAt: time.Now(),
		sender:    sender,
		topics:    make(map[string]struct{}),
		metadata:  metadata,
	}
}

// Principal returns the current authenticated principal, or nil if the
// connection is unauthenticated.
func (r *Record) Principal() *auth.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.principal
}

// Metadata returns the connection's metadata map (client IP, user agent,
// etc). The returned map must not be mutated by the caller.
func (r *Record) Metadata() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}

// Topics returns a snapshot of the connection's subscribed topics.
func (r *Record) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

func (r *Record) hasTopic(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

func (r *Record) hasPermission(permission string) bool {
	r.mu.Lock()
	p := r.principal
	r.mu.Unlock()
	return p != nil && p.Has(permission)
}

func (r *Record) subject() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.principal == nil {
		return "", false
	}
	return r.principal.Subject, true
}

// Registry is the connection registry (C5). It is safe for concurrent use;
// Add/Remove/Subscribe/Unsubscribe take the registry write lock, lookups take
// its read lock, and principal and topic-set changes use a record's own lock.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Record
	byTopic   map[string]map[string]struct{} // topic -> set of connection ids
	onBackoff func(id string, err error)
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[string]*Record),
		byTopic: make(map[string]map[string]struct{}),
	}
}

// Add registers a new connection. Returns ErrAlreadyExists if id is already present.
func (r *Registry) Add(id string, sender Sender, metadata map[string]interface{}) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return nil, ErrAlreadyExists
	}
	rec := newRecord(id, sender, metadata)
	r.byID[id] = rec
	return rec, nil
}

// Remove deletes a connection and its topic index entries. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	for _, topic := range rec.Topics() {
		if set, ok := r.byTopic[topic]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
	delete(r.byID, id)
}

// Get returns the record for id, if it exists.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// IterAll returns a snapshot of every live connection.
func (r *Registry) IterAll() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

// IterByTopic returns a snapshot of every connection subscribed to topic.
func (r *Registry) IterByTopic(topic string) []*Record {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byTopic[topic]))
	for id := range r.byTopic[topic] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// IterByPermission returns every connection whose current principal holds permission.
func (r *Registry) IterByPermission(permission string) []*Record {
	out := make([]*Record, 0)
	for _, rec := range r.IterAll() {
		if rec.hasPermission(permission) {
			out = append(out, rec)
		}
	}
	return out
}

// IterBySubject returns every connection currently authenticated as subject.
func (r *Registry) IterBySubject(subject string) []*Record {
	out := make([]*Record, 0)
	for _, rec := range r.IterAll() {
		if s, ok := rec.subject(); ok && s == subject {
			out = append(out, rec)
		}
	}
	return out
}

// SendTo enqueues frame on the named connection's outbound channel. Frames
// enqueued to the same connection by successive SendTo calls arrive in that
// order (P-ORDER).
func (r *Registry) SendTo(id string, frame interface{}) error {
	rec, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := rec.sender.Enqueue(frame); err != nil {
		return ErrClosed
	}
	return nil
}

// BroadcastToTopic snapshots topic's current subscriber set, then fans frame
// out to each. A per-connection send failure is recorded (via onFailure, if
// set) but does not abort the broadcast; the returned count is the number of
// successful enqueues.
func (r *Registry) BroadcastToTopic(topic string, frame interface{}, onFailure func(id string, err error)) int {
	delivered := 0
	for _, rec := range r.IterByTopic(topic) {
		if err := rec.sender.Enqueue(frame); err != nil {
			if onFailure != nil {
				onFailure(rec.ID, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// SetPrincipal attaches or replaces the principal on a connection (login, or
// re-authentication mid-session).
func (r *Registry) SetPrincipal(id string, principal auth.Principal) error {
	rec, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.principal = &principal
	rec.mu.Unlock()
	return nil
}

// ClearPrincipal removes the authenticated principal from a connection (logout).
func (r *Registry) ClearPrincipal(id string) error {
	rec, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.principal = nil
	rec.mu.Unlock()
	return nil
}

// Subscribe adds topic to the connection's subscription set and to the
// registry's topic index.
func (r *Registry) Subscribe(id, topic string) error {
	rec, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.topics[topic] = struct{}{}
	rec.mu.Unlock()

	r.mu.Lock()
	set, ok := r.byTopic[topic]
	if !ok {
		set = make(map[string]struct{})
		r.byTopic[topic] = set
	}
	set[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Unsubscribe is the symmetric inverse of Subscribe.
func (r *Registry) Unsubscribe(id, topic string) error {
	rec, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	delete(rec.topics, topic)
	rec.mu.Unlock()

	r.mu.Lock()
	if set, ok := r.byTopic[topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
	r.mu.Unlock()
	return nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
