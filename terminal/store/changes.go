package store

// ChangeKind identifies what a store mutation did.
type ChangeKind int

const (
	ChangeReset ChangeKind = iota
	ChangeAdd
	ChangeUpdate
	ChangeRemove
	ChangeOptimistic
	ChangeRollback
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReset:
		return "reset"
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	case ChangeOptimistic:
		return "optimistic"
	case ChangeRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after each mutation. ID is empty for
// resets; Key is set for optimistic and rollback changes.
type Change struct {
	Kind ChangeKind
	ID   string
	Key  string
}

// Subscribe registers fn for change notifications. fn runs synchronously on
// the mutating goroutine after the store lock is released.
func (s *Store[T]) Subscribe(fn func(Change)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store[T]) emit(c Change) {
	s.subsMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
