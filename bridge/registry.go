package bridge

import (
	"errors"
	"sync"
)

var ErrSessionExists = errors.New("bridge: a session already exists for this call")

// Registry maps call ids to live sessions.
type Registry struct {
	sessions sync.Map // callID -> *Session
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Insert adds s unless its call already has a session.
func (r *Registry) Insert(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.CallID(), s); loaded {
		return ErrSessionExists
	}
	return nil
}

func (r *Registry) Lookup(callID string) (*Session, bool) {
	v, ok := r.sessions.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove deletes s if it is still the session registered for its call.
func (r *Registry) Remove(s *Session) bool {
	return r.sessions.CompareAndDelete(s.CallID(), s)
}

// List returns every registered session.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
