// Package store holds the client-side mirror of one domain's entities for the
// active restaurant and the speculative patches applied on top of it.
//
// Entities are kept as JSON field documents so that last-writer-wins and
// rollback work per field: an authoritative write only touches the fields it
// carries, and a rollback only restores fields no authoritative write has
// overwritten since the patch was applied.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrEmptyKey     = errors.New("store: empty idempotency key")
	ErrDuplicateKey = errors.New("store: idempotency key already has a patch")
	ErrMissingID    = errors.New("store: patch has no entity id")
	ErrNotFound     = errors.New("store: entity not found")
	ErrExists       = errors.New("store: entity already exists")
	ErrStaleVersion = errors.New("store: write carries an older version than stored")
)

// VersionField is the document field compared on authoritative writes.
const VersionField = "version"

// Patch is a speculative change to one entity.
type Patch struct {
	EntityID string
	// Changes maps JSON field names to new values. For creates it is the
	// complete entity.
	Changes map[string]any
	Create  bool
	Delete  bool
}

type doc map[string]json.RawMessage

func (d doc) clone() doc {
	out := make(doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

type fieldSnapshot struct {
	value      json.RawMessage
	present    bool
	superseded bool
}

// snapshot is what ApplyOptimistic needs to undo one patch.
type snapshot struct {
	entityID string
	created  bool
	deleted  bool

	// superseded marks a create or delete whose entity has since been
	// written or removed authoritatively.
	superseded bool

	fields   map[string]*fieldSnapshot
	previous doc
	position int
}

// Store is safe for concurrent use. Every method is one critical section.
type Store[T any] struct {
	idOf func(T) string

	mu    sync.RWMutex
	docs  map[string]doc
	order []string
	snaps map[string]*snapshot

	subsMu  sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

// New returns an empty store. idOf extracts the entity id.
func New[T any](idOf func(T) string) *Store[T] {
	return &Store[T]{
		idOf:  idOf,
		docs:  make(map[string]doc),
		snaps: make(map[string]*snapshot),
		subs:  make(map[int]func(Change)),
	}
}

// SetAll replaces the whole collection with server truth. Outstanding patches
// are dropped; a later Commit or Rollback of their keys is a no-op.
func (s *Store[T]) SetAll(entities []T) error {
	docs := make(map[string]doc, len(entities))
	order := make([]string, 0, len(entities))
	for _, e := range entities {
		id := s.idOf(e)
		if id == "" {
			return ErrMissingID
		}
		d, err := encode(e)
		if err != nil {
			return err
		}
		if _, dup := docs[id]; !dup {
			order = append(order, id)
		}
		docs[id] = d
	}

	s.mu.Lock()
	s.docs = docs
	s.order = order
	s.snaps = make(map[string]*snapshot)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeReset})
	return nil
}

// ApplyOptimistic applies p speculatively and records under key what is
// needed to undo it. Versions are left untouched.
func (s *Store[T]) ApplyOptimistic(key string, p Patch) error {
	if key == "" {
		return ErrEmptyKey
	}
	if p.EntityID == "" {
		return ErrMissingID
	}
	changes, err := encodeChanges(p.Changes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.snaps[key]; ok {
		s.mu.Unlock()
		return ErrDuplicateKey
	}

	current, exists := s.docs[p.EntityID]
	snap := &snapshot{entityID: p.EntityID}

	switch {
	case p.Create:
		if exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrExists, p.EntityID)
		}
		if err := s.check(changes); err != nil {
			s.mu.Unlock()
			return err
		}
		snap.created = true
		s.docs[p.EntityID] = changes
		s.order = append(s.order, p.EntityID)

	case p.Delete:
		if !exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, p.EntityID)
		}
		snap.deleted = true
		snap.previous = current
		snap.position = slices.Index(s.order, p.EntityID)
		s.removeLocked(p.EntityID)

	default:
		if !exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, p.EntityID)
		}
		next := current.clone()
		snap.fields = make(map[string]*fieldSnapshot, len(changes))
		for field, value := range changes {
			prev, present := current[field]
			snap.fields[field] = &fieldSnapshot{value: prev, present: present}
			next[field] = value
		}
		if err := s.check(next); err != nil {
			s.mu.Unlock()
			return err
		}
		s.docs[p.EntityID] = next
	}

	s.snaps[key] = snap
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeOptimistic, ID: p.EntityID, Key: key})
	return nil
}

// Commit discards the snapshot recorded under key. State is not touched.
func (s *Store[T]) Commit(key string) {
	s.mu.Lock()
	delete(s.snaps, key)
	s.mu.Unlock()
}

// Rollback undoes the patch recorded under key, restoring only what no
// authoritative write has superseded. An unknown key is a no-op.
func (s *Store[T]) Rollback(key string) error {
	s.mu.Lock()
	snap, ok := s.snaps[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.snaps, key)

	id := snap.entityID
	current, exists := s.docs[id]
	changed := false

	switch {
	case snap.superseded:
	case snap.created:
		if exists {
			s.removeLocked(id)
			changed = true
		}
	case snap.deleted:
		if !exists {
			s.docs[id] = snap.previous
			pos := min(max(snap.position, 0), len(s.order))
			s.order = slices.Insert(s.order, pos, id)
			changed = true
		}
	default:
		if !exists {
			break
		}
		next := current.clone()
		for field, fs := range snap.fields {
			if fs.superseded {
				continue
			}
			if fs.present {
				next[field] = fs.value
			} else {
				delete(next, field)
			}
			changed = true
		}
		s.docs[id] = next
	}
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeRollback, ID: id, Key: key})
	}
	return nil
}

// Add applies an authoritative insert. An existing entity is merged as Update.
func (s *Store[T]) Add(e T) error {
	return s.write(e, ChangeAdd)
}

// Update applies an authoritative write of the fields e carries. An unknown
// entity is inserted.
func (s *Store[T]) Update(e T) error {
	return s.write(e, ChangeUpdate)
}

func (s *Store[T]) write(e T, kind ChangeKind) error {
	id := s.idOf(e)
	if id == "" {
		return ErrMissingID
	}
	incoming, err := encode(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	current, exists := s.docs[id]
	if exists {
		if stale(current, incoming) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrStaleVersion, id)
		}
		next := current.clone()
		for field, value := range incoming {
			next[field] = value
		}
		s.docs[id] = next
		if kind == ChangeAdd {
			kind = ChangeUpdate
		}
	} else {
		s.docs[id] = incoming
		s.order = append(s.order, id)
		kind = ChangeAdd
	}
	s.supersedeLocked(id, incoming)
	s.mu.Unlock()

	s.emit(Change{Kind: kind, ID: id})
	return nil
}

// Remove applies an authoritative delete. Removing an unknown id only
// supersedes outstanding patches for it.
func (s *Store[T]) Remove(id string) {
	s.mu.Lock()
	_, exists := s.docs[id]
	if exists {
		s.removeLocked(id)
	}
	s.supersedeLocked(id, nil)
	s.mu.Unlock()

	if exists {
		s.emit(Change{Kind: ChangeRemove, ID: id})
	}
}

// supersedeLocked marks every outstanding snapshot of id as overwritten by an
// authoritative write. A nil written doc means a removal, which supersedes
// every field.
func (s *Store[T]) supersedeLocked(id string, written doc) {
	for _, snap := range s.snaps {
		if snap.entityID != id {
			continue
		}
		if snap.created || snap.deleted || written == nil {
			snap.superseded = true
			for _, fs := range snap.fields {
				fs.superseded = true
			}
			continue
		}
		for field, fs := range snap.fields {
			if _, ok := written[field]; ok {
				fs.superseded = true
			}
		}
	}
}

func (s *Store[T]) removeLocked(id string) {
	delete(s.docs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// check verifies d still decodes into T.
func (s *Store[T]) check(d doc) error {
	_, err := decode[T](d)
	return err
}

// Get returns the current (possibly speculative) value of id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		var zero T
		return zero, false
	}
	e, err := decode[T](d)
	if err != nil {
		var zero T
		return zero, false
	}
	return e, true
}

// List returns every entity in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		if e, err := decode[T](s.docs[id]); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entities.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Pending returns the number of outstanding optimistic patches.
func (s *Store[T]) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// HasPatch reports whether key has an outstanding patch.
func (s *Store[T]) HasPatch(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snaps[key]
	return ok
}

func encode(v any) (doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode entity: %w", err)
	}
	var d doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("store: entity is not a JSON object: %w", err)
	}
	return d, nil
}

func encodeChanges(changes map[string]any) (doc, error) {
	d := make(doc, len(changes))
	for field, value := range changes {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("store: encode field %q: %w", field, err)
		}
		d[field] = raw
	}
	return d, nil
}

func decode[T any](d doc) (T, error) {
	var out T
	raw, err := json.Marshal(d)
	if err != nil {
		return out, fmt.Errorf("store: encode document: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("store: decode document: %w", err)
	}
	return out, nil
}

// stale reports whether incoming carries a lower version than current. Writes
// without a numeric version on either side are never stale.
func stale(current, incoming doc) bool {
	cv, ok := version(current)
	if !ok {
		return false
	}
	iv, ok := version(incoming)
	if !ok {
		return false
	}
	return iv < cv
}

func version(d doc) (int64, bool) {
	raw, ok := d[VersionField]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Fields converts v into a field map suitable for Patch.Changes.
func Fields(v any) (map[string]any, error) {
	d, err := encode(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(d))
	for k, raw := range d {
		out[k] = raw
	}
	return out, nil
}
