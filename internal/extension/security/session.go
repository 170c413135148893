package security

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionRevoked is returned for any gated operation on a revoked
// session, including operations on handles opened before revocation.
var ErrSessionRevoked = errors.New("security: session revoked")

// Session binds one loaded extension to one revocable set of grants.
// Sessions are never shared: revoking one extension's session cannot
// affect another's. Revocation is immediate and total: every tracked
// resource handle is closed, so references the extension kept to
// previously opened files stop working, not just future opens.
type Session struct {
	mu sync.Mutex

	id      string
	checker *Checker
	revoked bool

	// Open resources charged to this session.
	resources map[int64]io.Closer
	nextID    int64
}

// NewSession creates a live session around the given checker.
func NewSession(checker *Checker) *Session {
	return &Session{
		id:        uuid.New().String(),
		checker:   checker,
		resources: make(map[int64]io.Closer),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Checker returns the permission checker backing this session.
func (s *Session) Checker() *Checker {
	return s.checker
}

// Active reports whether the session still holds its grants.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.revoked
}

// Check fails if the session is revoked. Every gated operation calls
// this before consulting the checker.
func (s *Session) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		return ErrSessionRevoked
	}
	return nil
}

// Track registers an open resource with the session and returns a
// token for Release. Tracking a resource on a revoked session closes
// it immediately and fails.
func (s *Session) Track(res io.Closer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		_ = res.Close()
		return 0, ErrSessionRevoked
	}
	s.nextID++
	s.resources[s.nextID] = res
	return s.nextID, nil
}

// Release closes and forgets a tracked resource.
func (s *Session) Release(token int64) {
	s.mu.Lock()
	res, ok := s.resources[token]
	delete(s.resources, token)
	s.mu.Unlock()
	if ok {
		_ = res.Close()
	}
}

// Live reports whether a tracked resource is still valid. A handle
// survives only while its session is active and it has not been
// released.
func (s *Session) Live(token int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		return false
	}
	_, ok := s.resources[token]
	return ok
}

// Revoke permanently disables the session, closing every tracked
// resource. Safe to call more than once.
func (s *Session) Revoke() error {
	s.mu.Lock()
	if s.revoked {
		s.mu.Unlock()
		return nil
	}
	s.revoked = true
	resources := s.resources
	s.resources = make(map[int64]io.Closer)
	s.mu.Unlock()

	var errs []error
	for _, res := range resources {
		if err := res.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenCount returns the number of tracked resources.
func (s *Session) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}
