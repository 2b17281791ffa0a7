// Package server hosts the IPC request surface: connection handling, session
// binding, authorization, dispatch, and idempotent replay.
package server

import (
	"sync"

	"github.com/kagan-dev/kagan/internal/core"
)

// SessionState is the server-side record of one logical session. The binding
// freezes on the first authenticated request; later requests may not switch
// profile or origin.
type SessionState struct {
	ID      string
	Binding core.SessionBinding
}

// Bindings caches session bindings by session ID. Sessions are identified by
// the session_id field, not the connection, so a reconnecting client keeps
// its binding.
type Bindings struct {
	mu       sync.Mutex
	sessions map[string]*SessionState
}

// NewBindings creates an empty binding cache.
func NewBindings() *Bindings {
	return &Bindings{sessions: make(map[string]*SessionState)}
}

// Resolve returns the session's state, binding it on first use.
//
// requestedProfile and requestedOrigin come from the wire and may be empty:
// an absent origin means legacy, an absent profile means the origin's
// ceiling. A profile above the origin's ceiling is silently clamped. Once
// bound, a request naming a different origin fails SESSION_ORIGIN_MISMATCH
// and a different effective profile fails INVALID_PROFILE.
func (b *Bindings) Resolve(sessionID, requestedProfile, requestedOrigin string) (*SessionState, error) {
	origin := core.SessionOrigin(requestedOrigin)
	if requestedOrigin == "" {
		origin = core.OriginLegacy
	}
	if !origin.Valid() {
		return nil, core.ErrSession(core.CodeInvalidOrigin,
			"unknown session origin: "+requestedOrigin)
	}

	profile := core.CapabilityProfile(requestedProfile)
	if requestedProfile == "" {
		profile = origin.Ceiling()
	}
	if !profile.Valid() {
		return nil, core.ErrAuth(core.CodeInvalidProfile,
			"unknown capability profile: "+requestedProfile)
	}
	profile = profile.Clamp(origin.Ceiling())

	namespace, scope := core.ParseSessionID(sessionID)
	if !origin.AllowsNamespace(namespace) {
		return nil, core.ErrSession(core.CodeSessionNamespaceDenied,
			"origin "+string(origin)+" may not bind namespace "+string(namespace))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.sessions[sessionID]; ok {
		if existing.Binding.Origin != origin {
			return nil, core.ErrSession(core.CodeSessionOriginMismatch,
				"session "+sessionID+" is bound to origin "+string(existing.Binding.Origin))
		}
		if existing.Binding.Profile != profile {
			return nil, core.ErrAuth(core.CodeInvalidProfile,
				"session "+sessionID+" is bound to profile "+string(existing.Binding.Profile))
		}
		return existing, nil
	}

	state := &SessionState{
		ID: sessionID,
		Binding: core.SessionBinding{
			Profile:   profile,
			Origin:    origin,
			Namespace: namespace,
			ScopeID:   scope,
		},
	}
	b.sessions[sessionID] = state
	return state, nil
}

// Lookup returns a session's state without binding.
func (b *Bindings) Lookup(sessionID string) (*SessionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

// Count returns how many sessions are bound.
func (b *Bindings) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
