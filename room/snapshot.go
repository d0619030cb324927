// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"sort"

	"mellium.im/xmpp/jid"

	"mellium.im/mucd/perm"
)

// Occupant is an entity joined to a room.
type Occupant struct {
	Nick string

	// Addr is the occupant address (room@service/nick).
	Addr jid.JID

	// JID is the bare real address and Sessions the full addresses joined
	// under the nickname.
	JID      jid.JID
	Sessions []jid.JID

	Affiliation perm.Affiliation
	Role        perm.Role
	Show        string
	Status      string
}

// Snapshot is an immutable view of a room.
// Snapshots must not be modified.
type Snapshot struct {
	Addr        jid.JID
	Version     uint64
	Config      Config
	Locked      bool
	Destroyed   bool
	Subject     string
	SubjectFrom jid.JID

	// Affiliations holds every non-none affiliation ordered by address.
	Affiliations []Item

	// Occupants are in the order they joined.
	Occupants []Occupant
}

// Affiliation returns the affiliation of a bare address.
func (s *Snapshot) Affiliation(j jid.JID) perm.Affiliation {
	bare := j.Bare()
	for _, item := range s.Affiliations {
		if item.JID.Equal(bare) {
			return item.Affiliation
		}
	}
	return perm.AffiliationNone
}

// Occupant returns the occupant with the given nickname.
func (s *Snapshot) Occupant(nick string) (Occupant, bool) {
	for _, o := range s.Occupants {
		if o.Nick == nick {
			return o, true
		}
	}
	return Occupant{}, false
}

// OccupantBySession returns the occupant that the full address is joined as.
func (s *Snapshot) OccupantBySession(j jid.JID) (Occupant, bool) {
	for _, o := range s.Occupants {
		for _, sess := range o.Sessions {
			if sess.Equal(j) {
				return o, true
			}
		}
	}
	return Occupant{}, false
}

// ListByAffiliation returns the entries with affiliation a ordered by address.
func (s *Snapshot) ListByAffiliation(a perm.Affiliation) []Item {
	var items []Item
	for _, item := range s.Affiliations {
		if item.Affiliation == a {
			items = append(items, item)
		}
	}
	return items
}

// ListByRole returns the occupants with role ro in the order they joined.
func (s *Snapshot) ListByRole(ro perm.Role) []Occupant {
	var occs []Occupant
	for _, o := range s.Occupants {
		if o.Role == ro {
			occs = append(occs, o)
		}
	}
	return occs
}

// Snapshot returns the current state of the room without waiting for pending
// mutations.
func (r *Room) Snapshot() *Snapshot {
	return r.snap.Load()
}

// ListByAffiliation returns the entries with affiliation a ordered by address.
func (r *Room) ListByAffiliation(a perm.Affiliation) []Item {
	return r.Snapshot().ListByAffiliation(a)
}

// publish replaces the rooms snapshot.
// It must be called with r.mu held or before the room is shared.
func (r *Room) publish() {
	s := &Snapshot{
		Addr:        r.addr,
		Version:     r.version,
		Config:      r.config,
		Locked:      r.locked,
		Destroyed:   r.destroyed,
		Subject:     r.subject,
		SubjectFrom: r.subjectFrom,
	}
	for _, e := range r.affs {
		s.Affiliations = append(s.Affiliations, Item{
			JID:         e.jid,
			Nick:        e.nick,
			Affiliation: e.affiliation,
			Reason:      e.reason,
		})
	}
	sort.Slice(s.Affiliations, func(i, j int) bool {
		return s.Affiliations[i].JID.String() < s.Affiliations[j].JID.String()
	})
	for _, o := range r.order {
		s.Occupants = append(s.Occupants, r.occupantView(o))
	}
	r.snap.Store(s)
}

func (r *Room) occupantView(o *occupant) Occupant {
	return Occupant{
		Nick:        o.nick,
		Addr:        o.addr,
		JID:         o.bare,
		Sessions:    append([]jid.JID(nil), o.sessions...),
		Affiliation: r.affiliation(o.bare),
		Role:        o.role,
		Show:        o.show,
		Status:      o.status,
	}
}
