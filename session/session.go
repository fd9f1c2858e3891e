// Package session implements the Session Registry: a session-key-to-
// username mapping with displace-on-collision semantics, mutated only
// from the Control Loop goroutine.
package session

// Registry holds the process-wide session-key to username mapping. It has
// no internal locking: all mutation happens on the single Control Loop
// thread, so the single-threaded model is the synchronization.
type Registry struct {
	sessions map[uint32]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]string)}
}

// SetResult reports what Set did, so the caller can decide whether to
// broadcast NEW_SESSION_ALERT.
type SetResult struct {
	// DisplacedKey is the session key that was evicted, if any.
	DisplacedKey uint32
	// Displaced is true iff an existing entry for the same username was
	// found and removed before the new one was inserted.
	Displaced bool
}

// Set implements SET_SESSION_KEY: scan for an existing entry with the same
// username; if found, remove it. Then insert (key, username). When the
// result reports Displaced, the caller broadcasts NEW_SESSION_ALERT for the
// *new* key/username pair, which boots the prior login; nothing else runs on
// the Control Loop between Set and that broadcast.
func (r *Registry) Set(key uint32, username string) SetResult {
	var res SetResult
	for k, u := range r.sessions {
		if u == username {
			delete(r.sessions, k)
			res.Displaced = true
			res.DisplacedKey = k
			break
		}
	}
	r.sessions[key] = username
	return res
}

// Query implements REQUEST_SESSION_KEY: returns the key for the first
// matching username, or ok=false if no entry matches.
func (r *Registry) Query(username string) (uint32, bool) {
	for k, u := range r.sessions {
		if u == username {
			return k, true
		}
	}
	return 0, false
}

// Lookup returns the username registered under key, if any.
func (r *Registry) Lookup(key uint32) (string, bool) {
	u, ok := r.sessions[key]
	return u, ok
}

// Count reports the number of active sessions, for the admin HTTP surface.
func (r *Registry) Count() int {
	return len(r.sessions)
}

// Remove deletes the entry for key, if present. Not called by the wire
// protocol directly (there is no SESSION_REMOVE message); exposed for
// symmetry and for tests that want to simulate cleanup.
func (r *Registry) Remove(key uint32) {
	delete(r.sessions, key)
}
