package intent

import (
	"sync"

	"github.com/google/uuid"
)

// Exchange is one completed intent/result pair in a session's history.
type Exchange struct {
	Intent Intent
	Result Result
}

// Session carries per-conversation state. The caller owns it; the
// runtime passes a read view to extensions and applies their declared
// side effects (Result.Metadata) itself, so concurrently probed
// extensions never race on shared history.
type Session struct {
	mu sync.RWMutex

	id          string
	preferences map[string]any
	history     []Exchange

	// maxHistory bounds the retained exchanges; older entries drop.
	maxHistory int
}

// DefaultMaxHistory bounds session history retention.
const DefaultMaxHistory = 100

// NewSession creates a session with a fresh ID.
func NewSession() *Session {
	return &Session{
		id:          uuid.New().String(),
		preferences: make(map[string]any),
		maxHistory:  DefaultMaxHistory,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Preference returns a preference value.
func (s *Session) Preference(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.preferences[key]
	return v, ok
}

// Preferences returns a snapshot of all preferences.
func (s *Session) Preferences() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.preferences))
	for k, v := range s.preferences {
		out[k] = v
	}
	return out
}

// SetPreference stores a preference value.
func (s *Session) SetPreference(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[key] = value
}

// History returns a copy of the recorded exchanges, oldest first.
func (s *Session) History() []Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// AppendExchange records a completed intent/result pair, trimming the
// oldest entries past the retention bound.
func (s *Session) AppendExchange(in Intent, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Exchange{Intent: in, Result: res})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// Len returns the number of recorded exchanges.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
