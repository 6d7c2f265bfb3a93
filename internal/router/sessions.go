package router

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// BackendHandle is a live agent execution context, bound to a working
// directory at creation. Model and permission mode can be reconfigured
// in place; a directory change requires a new handle.
type BackendHandle interface {
	Run(ctx context.Context, prompt string) (string, error)
	SetModel(model string)
	SetPermissionMode(mode string)
	Close()
}

// BackendFactory creates a handle for the given execution parameters.
type BackendFactory func(cwd, model, permissionMode string) BackendHandle

// Defaults seed new sessions. Updated on config reload; existing
// sessions keep their current parameters.
type Defaults struct {
	Cwd            string
	Model          string
	PermissionMode string
	IdleTimeout    time.Duration
}

// session is one user's durable conversation state. Exactly one session
// exists per identity; it is replaced wholesale on reset or idle expiry.
type session struct {
	identity       string
	key            string
	lastActivity   time.Time
	cwd            string
	model          string
	permissionMode string
	handle         BackendHandle // nil until first prompt
}

// Registry owns all user sessions and their backend handles.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*session
	byKey      map[string]*session
	defaults   Defaults
	factory    BackendFactory
	lastStamp  int64 // strictly increasing key timestamps

	// OnEvict is called (with the registry lock held) whenever a session
	// is replaced or cleared, so the owner can drop the orphaned
	// conversation history for that key.
	OnEvict func(sessionKey string)
}

// NewRegistry creates an empty registry.
func NewRegistry(defaults Defaults, factory BackendFactory) *Registry {
	if defaults.IdleTimeout <= 0 {
		defaults.IdleTimeout = 30 * time.Minute
	}
	return &Registry{
		byIdentity: make(map[string]*session),
		byKey:      make(map[string]*session),
		defaults:   defaults,
		factory:    factory,
	}
}

// SetDefaults replaces the seed parameters for future sessions.
func (r *Registry) SetDefaults(d Defaults) {
	r.mu.Lock()
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = r.defaults.IdleTimeout
	}
	r.defaults = d
	r.mu.Unlock()
}

// Resolve maps identity to its session key, creating or renewing the
// session as needed. forceNew and idle expiry both replace the session
// wholesale with fresh defaults and report isNew=true; first contact
// creates a session but reports isNew=false.
func (r *Registry) Resolve(identity string, forceNew bool) (sessionKey string, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := r.byIdentity[identity]

	expired := s != nil && now.Sub(s.lastActivity) > r.defaults.IdleTimeout
	if forceNew || expired {
		if s != nil {
			r.evictLocked(s)
		}
		// Renewed keys carry a timestamp so they never collide with the
		// key they replace. Bumped past the last issued stamp in case
		// two renewals land in the same millisecond.
		stamp := now.UnixMilli()
		if stamp <= r.lastStamp {
			stamp = r.lastStamp + 1
		}
		r.lastStamp = stamp
		key := identity + "-" + strconv.FormatInt(stamp, 10)
		r.storeLocked(newSession(identity, key, now, r.defaults))
		return key, true
	}

	if s != nil {
		s.lastActivity = now
		return s.key, false
	}

	// First contact: the key is the identity alone. The shape difference
	// from renewed keys is an artifact; callers treat keys as opaque.
	r.storeLocked(newSession(identity, identity, now, r.defaults))
	return identity, false
}

func newSession(identity, key string, now time.Time, d Defaults) *session {
	return &session{
		identity:       identity,
		key:            key,
		lastActivity:   now,
		cwd:            d.Cwd,
		model:          d.Model,
		permissionMode: d.PermissionMode,
	}
}

func (r *Registry) storeLocked(s *session) {
	r.byIdentity[s.identity] = s
	r.byKey[s.key] = s
}

func (r *Registry) evictLocked(s *session) {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	delete(r.byIdentity, s.identity)
	delete(r.byKey, s.key)
	if r.OnEvict != nil {
		r.OnEvict(s.key)
	}
}

// Peek returns the current session key for identity without refreshing
// activity or creating anything.
func (r *Registry) Peek(identity string) (sessionKey string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.byIdentity[identity]; s != nil {
		return s.key, true
	}
	return "", false
}

// Clear removes the session entirely, closing its handle.
func (r *Registry) Clear(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.byKey[sessionKey]; s != nil {
		r.evictLocked(s)
	}
}

// Cwd returns the session's working directory.
func (r *Registry) Cwd(sessionKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.byKey[sessionKey]; s != nil {
		return s.cwd, true
	}
	return "", false
}

// SetCwd changes the session's working directory. The live handle (if
// any) is closed because the backend binds its directory at handle
// creation. A concurrent in-flight prompt may still finish under the
// old directory; that race is a documented limitation.
func (r *Registry) SetCwd(sessionKey, cwd string) error {
	info, err := os.Stat(cwd)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", cwd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byKey[sessionKey]
	if s == nil {
		return fmt.Errorf("unknown session")
	}
	s.cwd = cwd
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}

// Model returns the session's model.
func (r *Registry) Model(sessionKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.byKey[sessionKey]; s != nil {
		return s.model, true
	}
	return "", false
}

// SetModel changes the session's model, propagating to a live handle.
func (r *Registry) SetModel(sessionKey, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byKey[sessionKey]
	if s == nil {
		return fmt.Errorf("unknown session")
	}
	s.model = model
	if s.handle != nil {
		s.handle.SetModel(model)
	}
	return nil
}

// PermissionMode returns the session's permission mode.
func (r *Registry) PermissionMode(sessionKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.byKey[sessionKey]; s != nil {
		return s.permissionMode, true
	}
	return "", false
}

// SetPermissionMode changes the session's permission mode, propagating
// to a live handle. Validation happens upstream in the dispatcher.
func (r *Registry) SetPermissionMode(sessionKey, mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byKey[sessionKey]
	if s == nil {
		return fmt.Errorf("unknown session")
	}
	s.permissionMode = mode
	if s.handle != nil {
		s.handle.SetPermissionMode(mode)
	}
	return nil
}

// Handle returns the session's backend handle, creating one lazily with
// the session's current parameters.
func (r *Registry) Handle(sessionKey string) (BackendHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byKey[sessionKey]
	if s == nil {
		return nil, fmt.Errorf("unknown session")
	}
	if s.handle == nil {
		s.handle = r.factory(s.cwd, s.model, s.permissionMode)
	}
	return s.handle, nil
}
