// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package store contains implementations of room.Store.
package store // import "mellium.im/mucd/store"

import (
	"context"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
)

var _ room.Store = (*Memory)(nil)

// Memory is a room.Store that keeps records in memory.
// It is mostly useful for tests and for services that do not need rooms to
// outlive the process.
// The zero value is ready to use.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	rec  room.Record
	affs map[string]room.AffiliationRecord
}

// Load implements room.Store.
// Records are ordered by address and their affiliations by bare address.
func (m *Memory) Load(context.Context) ([]room.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]room.Record, 0, len(m.rooms))
	for _, r := range m.rooms {
		recs = append(recs, r.record())
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].JID.String() < recs[j].JID.String()
	})
	return recs, nil
}

// Room returns a single stored record.
func (m *Memory) Room(j jid.JID) (room.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[j.Bare().String()]
	if !ok {
		return room.Record{}, false
	}
	return r.record(), true
}

// SaveRoom implements room.Store.
func (m *Memory) SaveRoom(_ context.Context, rec room.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms == nil {
		m.rooms = make(map[string]*memRoom)
	}
	rec.JID = rec.JID.Bare()
	r := &memRoom{
		rec:  rec,
		affs: make(map[string]room.AffiliationRecord),
	}
	r.rec.Affiliations = nil
	r.set(rec.Affiliations)
	m.rooms[rec.JID.String()] = r
	return nil
}

// SetAffiliations implements room.Store.
// Setting the affiliations of a room that was never saved creates it with the
// default configuration.
func (m *Memory) SetAffiliations(_ context.Context, j jid.JID, recs []room.AffiliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms == nil {
		m.rooms = make(map[string]*memRoom)
	}
	key := j.Bare().String()
	r, ok := m.rooms[key]
	if !ok {
		r = &memRoom{
			rec:  room.Record{JID: j.Bare(), Config: room.DefaultConfig},
			affs: make(map[string]room.AffiliationRecord),
		}
		r.rec.Config.Persistent = true
		m.rooms[key] = r
	}
	r.set(recs)
	return nil
}

// DeleteRoom implements room.Store.
func (m *Memory) DeleteRoom(_ context.Context, j jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, j.Bare().String())
	return nil
}

func (r *memRoom) set(recs []room.AffiliationRecord) {
	for _, a := range recs {
		a.JID = a.JID.Bare()
		if a.Affiliation == perm.AffiliationNone {
			delete(r.affs, a.JID.String())
			continue
		}
		r.affs[a.JID.String()] = a
	}
}

func (r *memRoom) record() room.Record {
	rec := r.rec
	rec.Affiliations = make([]room.AffiliationRecord, 0, len(r.affs))
	for _, a := range r.affs {
		rec.Affiliations = append(rec.Affiliations, a)
	}
	sort.Slice(rec.Affiliations, func(i, j int) bool {
		return rec.Affiliations[i].JID.String() < rec.Affiliations[j].JID.String()
	})
	return rec
}
