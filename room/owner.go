// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
)

// snapshotActor returns the permissions of from in snap.
func snapshotActor(snap *Snapshot, from jid.JID) perm.Actor {
	a := perm.Actor{Affiliation: snap.Affiliation(from)}
	if o, ok := snap.OccupantBySession(from); ok {
		a.Role = o.Role
	}
	return a
}

// GetConfig returns the configuration of a room to one of its owners.
func (s *Service) GetConfig(ctx context.Context, from, roomAddr jid.JID) (Config, error) {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return Config{}, err
	}
	snap := r.Snapshot()
	err = perm.CanActOn(snapshotActor(snap, from), perm.AffiliationNone, perm.ActionConfigure, snap.Config.Policy())
	if err != nil {
		return Config{}, err
	}
	return snap.Config, nil
}

// SetConfig replaces the configuration of a room and unlocks it.
//
// Occupants are told about the change with the appropriate status codes, and
// occupants that are not members are removed when the room becomes
// members-only.
func (s *Service) SetConfig(ctx context.Context, from, roomAddr jid.JID, c Config) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var old Config
	err = r.persist(ctx, func() (func(context.Context) error, error) {
		actor, _ := r.actor(from)
		err := perm.CanActOn(actor, perm.AffiliationNone, perm.ActionConfigure, r.config.Policy())
		if err != nil {
			return nil, err
		}
		old = r.config
		switch {
		case c.Persistent:
			rec := r.record()
			rec.Config = c
			return func(ctx context.Context) error {
				return s.store.SaveRoom(ctx, rec)
			}, nil
		case old.Persistent:
			return func(ctx context.Context) error {
				return s.store.DeleteRoom(ctx, r.addr)
			}, nil
		}
		return nil, nil
	})
	if err != nil {
		r.mu.Unlock()
		return err
	}

	wasLocked := r.locked
	r.config = c
	r.locked = false
	r.markStored()
	if over := len(r.history) - c.MaxHistory; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}

	var plan []Delivery
	if codes := old.ChangeStatus(c); len(codes) > 0 && !wasLocked {
		plan = r.message(Message{
			Message: stanza.Message{
				ID:   s.newID(),
				From: r.addr,
				Type: stanza.GroupChatMessage,
			},
			Status: codes,
		})
	}
	if c.MembersOnly && !old.MembersOnly {
		for _, o := range append([]*occupant(nil), r.order...) {
			if !r.affiliation(o.bare).IsMember() {
				plan = append(plan, r.forceLeave(o, StatusMembersOnly, "", "")...)
			}
		}
	}
	destroyed := r.reapLocked()
	r.logger().WithFields(logrus.Fields{
		"changed":  old.Diff(c),
		"unlocked": wasLocked,
	}).Debug("room configured")
	r.commit(ctx, plan)
	if destroyed {
		s.discardAvatar(ctx, r.addr)
	}
	return nil
}

// Destroy destroys a room at the request of one of its owners.
// Occupants are removed and told about the alternate venue, if any.
func (s *Service) Destroy(ctx context.Context, from, roomAddr jid.JID, d Destroy) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, _ := r.actor(from)
	err = perm.CanActOn(actor, perm.AffiliationNone, perm.ActionDestroy, r.config.Policy())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	return r.destroy(ctx, d)
}

// destroy must be called with r.mu held and releases it.
func (r *Room) destroy(ctx context.Context, d Destroy) error {
	if r.destroyed {
		r.mu.Unlock()
		return perm.Deny(stanza.ItemNotFound)
	}
	var plan []Delivery
	for _, o := range r.order {
		o.role = perm.RoleNone
		o.show, o.status = "", ""
		for _, session := range o.sessions {
			p := r.presence(o, o, session, stanza.UnavailablePresence)
			p.Item.Affiliation = perm.AffiliationNone
			p.Destroy = &d
			plan = append(plan, Delivery{To: session, Stanza: p})
		}
	}
	r.order = nil
	r.occupants = make(map[string]*occupant)
	r.sessions = make(map[string]*occupant)
	r.history = nil
	persistent := r.config.Persistent
	r.destroyLocked()
	r.commit(ctx, plan)

	r.svc.discardAvatar(ctx, r.addr)
	if persistent && r.svc.store != nil {
		err := r.svc.store.DeleteRoom(ctx, r.addr)
		if err != nil {
			return fmt.Errorf("room: deleting %s: %w", r.addr, err)
		}
	}
	return nil
}

// ListAffiliation returns the entries of a rooms affiliation list.
func (s *Service) ListAffiliation(ctx context.Context, from, roomAddr jid.JID, a perm.Affiliation) ([]Item, error) {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return nil, err
	}
	snap := r.Snapshot()
	err = perm.CanActOn(snapshotActor(snap, from), a, perm.ActionListAffiliation, snap.Config.Policy())
	if err != nil {
		return nil, err
	}
	return snap.ListByAffiliation(a), nil
}

// ListRole returns the occupants that have role ro.
func (s *Service) ListRole(ctx context.Context, from, roomAddr jid.JID, ro perm.Role) ([]Item, error) {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return nil, err
	}
	snap := r.Snapshot()
	actor := snapshotActor(snap, from)
	err = perm.CanActOn(actor, perm.AffiliationNone, perm.ActionListRole, snap.Config.Policy())
	if err != nil {
		return nil, err
	}
	occs := snap.ListByRole(ro)
	items := make([]Item, 0, len(occs))
	for _, o := range occs {
		item := Item{
			Nick:        o.Nick,
			Affiliation: o.Affiliation,
			Role:        o.Role,
		}
		if snap.Config.Anonymity != FullyAnonymous {
			item.JID = o.Sessions[0]
		}
		items = append(items, item)
	}
	return items, nil
}
