// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package registry is the process-wide credential registry: a
// bidirectional map between Proxy-Authorization usernames and the
// ProxyContext that owns them, and between view ids and their context.
package registry

import (
	"sync"

	"github.com/cmux-labs/preview-proxy/pkg/route"
)

// Context is the per-view ownership record: credentials, the derived
// route (nil when the view's initial URL matched no rewrite rule), the
// owning view id, and an optional persist key.
type Context struct {
	Username   string
	Password   string
	Route      *route.Route
	ViewID     string
	PersistKey string
}

// Registry holds two indices over one logical set of live contexts. Reads
// never observe a half-registered context: registration and release each
// update both indices while holding the write lock.
type Registry struct {
	mu         sync.RWMutex
	byUsername map[string]*Context
	byViewID   map[string]*Context
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byUsername: make(map[string]*Context),
		byViewID:   make(map[string]*Context),
	}
}

// Register inserts ctx into both indices. Callers are responsible for
// minting a globally unique Username before calling Register.
func (r *Registry) Register(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUsername[ctx.Username] = ctx
	r.byViewID[ctx.ViewID] = ctx
}

// Release removes the context for viewID from both indices and returns
// it. ok is false if no context was registered for viewID.
func (r *Registry) Release(viewID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.byViewID[viewID]
	if !ok {
		return nil, false
	}
	delete(r.byViewID, viewID)
	delete(r.byUsername, ctx.Username)
	return ctx, true
}

// LookupByUsername returns the context registered for the given username.
func (r *Registry) LookupByUsername(username string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byUsername[username]
	return ctx, ok
}

// GetCredentials returns the live username/password pair for viewID.
func (r *Registry) GetCredentials(viewID string) (username, password string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byViewID[viewID]
	if !ok {
		return "", "", false
	}
	return ctx.Username, ctx.Password, true
}
