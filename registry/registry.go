// Package registry is the server-wide directory of live chat sessions keyed by
// nickname. It owns nickname uniqueness: names are first reserved, then bound
// to a fully initialised session, so no reader ever sees a name without its
// session.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cyberinferno/linechat/protocol"
)

var (
	// ErrNotReserved is returned by Register for a name that was never
	// reserved or has already been bound.
	ErrNotReserved = errors.New("nickname not reserved")

	// ErrNicknameMismatch is returned by Register when the session reports a
	// different nickname than the key it is registered under.
	ErrNicknameMismatch = errors.New("session nickname does not match key")
)

// Session is what the registry stores: anything that has a fixed nickname and
// can be handed a line.
type Session interface {
	Nickname() string
	SendLine(line string) error
}

type entry struct {
	session Session
	seq     uint64
}

// Registry maps nicknames to sessions. All methods are safe for concurrent
// use; none of them performs I/O while holding the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]entry
	reserved map[string]struct{}
	seq      uint64
	version  uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]entry),
		reserved: make(map[string]struct{}),
	}
}

// ReserveNickname claims a unique nickname derived from requested. The trimmed
// request is used verbatim when free; otherwise "_2", "_3", ... is appended,
// taking the lowest free suffix. A blank request uses protocol.DefaultNickname
// as the base. It never fails.
//
// Parameters:
//   - requested: The nickname the client asked for
//
// Returns:
//   - The reserved nickname; the caller must Register or Release it
func (r *Registry) ReserveNickname(requested string) string {
	base := strings.TrimSpace(requested)
	if base == "" {
		base = protocol.DefaultNickname
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := base
	for i := 2; r.inUseLocked(candidate); i++ {
		candidate = fmt.Sprintf("%s_%d", base, i)
	}

	r.reserved[candidate] = struct{}{}
	return candidate
}

// Release drops a reservation that will never be registered, e.g. because the
// handshake failed.
func (r *Registry) Release(nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, nickname)
}

// Register binds a reserved nickname to its session, making it visible to
// Lookup, SnapshotSessions and RosterNames.
//
// Parameters:
//   - nickname: A name previously returned by ReserveNickname
//   - session: The session; its Nickname() must equal nickname
//
// Returns:
//   - ErrNicknameMismatch, ErrNotReserved, or nil
func (r *Registry) Register(nickname string, session Session) error {
	if session.Nickname() != nickname {
		return fmt.Errorf("%w: %q != %q", ErrNicknameMismatch, session.Nickname(), nickname)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[nickname]; !ok {
		return fmt.Errorf("%w: %q", ErrNotReserved, nickname)
	}

	delete(r.reserved, nickname)
	r.seq++
	r.version++
	r.sessions[nickname] = entry{session: session, seq: r.seq}
	return nil
}

// Unregister removes the session registered under nickname.
//
// Returns:
//   - true if a session was present and removed
func (r *Registry) Unregister(nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[nickname]; !ok {
		return false
	}

	delete(r.sessions, nickname)
	r.version++
	return true
}

// Lookup returns the session registered under nickname (exact, case-sensitive
// match).
func (r *Registry) Lookup(nickname string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[nickname]
	return e.session, ok
}

// SnapshotSessions returns a point-in-time copy of all registered sessions in
// registration order. Callers fan out over the copy without holding the lock.
func (r *Registry) SnapshotSessions() []Session {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Session, len(entries))
	for i, e := range entries {
		out[i] = e.session
	}

	return out
}

// RosterNames returns the registered nicknames sorted ascending.
func (r *Registry) RosterNames() []string {
	names, _ := r.Roster()
	return names
}

// Roster returns the sorted nicknames together with the version they were
// read at.
func (r *Registry) Roster() ([]string, uint64) {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	version := r.version
	r.mu.RUnlock()

	sort.Strings(names)
	return names, version
}

// Version increases on every Register and successful Unregister. Equal
// versions imply an identical roster.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) inUseLocked(nickname string) bool {
	if _, ok := r.sessions[nickname]; ok {
		return true
	}

	_, ok := r.reserved[nickname]
	return ok
}
