package session

import "errors"

// ErrDuplicateSession is returned by Register when the ID is already present.
var ErrDuplicateSession = errors.New("session already registered")

// Predicate selects sessions for a fan-out.
type Predicate func(*Session) bool

// All matches every session.
func All(*Session) bool { return true }

// HasRole matches sessions holding role.
func HasRole(role Role) Predicate {
	return func(s *Session) bool { return s.role == role }
}

// MapSubscribers matches sessions that latched the map subscription.
func MapSubscribers(s *Session) bool { return s.mapSubscriber }

// Except wraps p so that the session with the given ID never matches.
func Except(id string, p Predicate) Predicate {
	return func(s *Session) bool { return s.ID != id && p(s) }
}

// Registry is the set of live sessions. It carries no lock: the hub loop is
// its only user.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Register(s *Session) error {
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	return nil
}

// Unregister removes the session with id and returns it, or nil when it was
// not registered.
func (r *Registry) Unregister(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// ForEach calls action for every registered session matching p. It iterates
// over a snapshot, so action may unregister sessions; a session removed
// during the walk is skipped if it has not been visited yet. Order is
// unspecified.
func (r *Registry) ForEach(p Predicate, action func(*Session)) {
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	for _, s := range snapshot {
		if cur, ok := r.sessions[s.ID]; !ok || cur != s {
			continue
		}
		if p(s) {
			action(s)
		}
	}
}
