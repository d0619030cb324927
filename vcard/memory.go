// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package vcard

import (
	"context"
	"sync"

	"mellium.im/xmpp/jid"
)

// Memory is an in-memory Store.
// The zero value is ready to use.
type Memory struct {
	mu      sync.RWMutex
	avatars map[string]Avatar
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, room jid.JID) (Avatar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.avatars[room.Bare().String()]
	if !ok {
		return Avatar{}, ErrNotFound
	}
	return Avatar{Type: a.Type, Data: append([]byte(nil), a.Data...)}, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, room jid.JID, a Avatar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.avatars == nil {
		m.avatars = make(map[string]Avatar)
	}
	m.avatars[room.Bare().String()] = Avatar{Type: a.Type, Data: append([]byte(nil), a.Data...)}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, room jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.avatars, room.Bare().String())
	return nil
}
