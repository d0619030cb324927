// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
)

// ChangeKind selects what a Change modifies.
type ChangeKind uint8

// A list of change kinds.
const (
	// ChangeAffiliation changes the affiliation of a bare address.
	ChangeAffiliation ChangeKind = iota

	// ChangeRole changes the role of an occupant.
	ChangeRole
)

// Change is a single item of an administrative request.
type Change struct {
	Kind ChangeKind

	// JID is the target of affiliation changes.
	// If it is empty the bare address of the occupant with nickname Nick is
	// used.
	JID jid.JID

	// Nick is the target of role changes.
	// For affiliation changes it is the nickname reserved for JID.
	Nick string

	Affiliation perm.Affiliation
	Role        perm.Role
	Reason      string
}

type resolved struct {
	kind   ChangeKind
	bare   jid.JID
	nick   string
	target *occupant
	reason string

	prevAff perm.Affiliation
	nextAff perm.Affiliation

	prevRole perm.Role
	nextRole perm.Role
}

// ApplyAdmin applies a list of affiliation and role changes requested by from.
//
// Every change is checked before any of them is applied, and if one is not
// allowed none are.
// Changes that leave the room without an owner result in a conflict error.
func (s *Service) ApplyAdmin(ctx context.Context, from, roomAddr jid.JID, changes []Change) error {
	if len(changes) == 0 {
		return perm.Deny(stanza.BadRequest)
	}
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, o := r.actor(from)
	var actorNick string
	if o != nil {
		actorNick = o.nick
	}
	_, err = r.apply(ctx, &actor, actorNick, changes)
	return err
}

// SetAffiliation sets the affiliation of a bare address without checking the
// permissions of any actor and returns the previous affiliation.
// Removing the last owner results in a conflict error.
func (r *Room) SetAffiliation(ctx context.Context, target jid.JID, a perm.Affiliation, reason string) (perm.Affiliation, error) {
	r.mu.Lock()
	res, err := r.apply(ctx, nil, "", []Change{{
		Kind:        ChangeAffiliation,
		JID:         target,
		Affiliation: a,
		Reason:      reason,
	}})
	if err != nil {
		return perm.AffiliationNone, err
	}
	return res[0].prevAff, nil
}

// SetRole sets the role of the occupant with nickname nick without checking
// the permissions of any actor and returns the previous role.
func (r *Room) SetRole(ctx context.Context, nick string, role perm.Role, reason string) (perm.Role, error) {
	r.mu.Lock()
	res, err := r.apply(ctx, nil, "", []Change{{
		Kind:   ChangeRole,
		Nick:   nick,
		Role:   role,
		Reason: reason,
	}})
	if err != nil {
		return perm.RoleNone, err
	}
	return res[0].prevRole, nil
}

// apply validates, persists, and commits changes.
// A nil actor skips authorization.
// It must be called with r.mu held and releases it.
func (r *Room) apply(ctx context.Context, actor *perm.Actor, actorNick string, changes []Change) ([]resolved, error) {
	var res []resolved
	err := r.persist(ctx, func() (func(context.Context) error, error) {
		var err error
		res, err = r.validate(actor, changes)
		if err != nil || !r.config.Persistent {
			return nil, err
		}
		recs := affiliationRecords(res)
		if !r.stored {
			// The room has never been written so the whole record is.
			rec := r.record()
			rec.Affiliations = mergeAffiliations(rec.Affiliations, recs)
			return func(ctx context.Context) error {
				return r.svc.store.SaveRoom(ctx, rec)
			}, nil
		}
		if len(recs) == 0 {
			return nil, nil
		}
		return func(ctx context.Context) error {
			return r.svc.store.SetAffiliations(ctx, r.addr, recs)
		}, nil
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	r.markStored()
	plan := r.effects(res, actorNick)
	destroyed := r.reapLocked()
	r.logger().WithFields(logrus.Fields{
		"actor":   actorNick,
		"changes": len(res),
	}).Debug("admin changes applied")
	r.commit(ctx, plan)
	if destroyed {
		r.svc.discardAvatar(ctx, r.addr)
	}
	return res, nil
}

// validate resolves the targets of changes and checks each of them against a
// working copy of the room that includes the changes before it.
func (r *Room) validate(actor *perm.Actor, changes []Change) ([]resolved, error) {
	affs := make(map[string]perm.Affiliation)
	roles := make(map[*occupant]perm.Role)
	affOf := func(bare jid.JID) perm.Affiliation {
		if a, ok := affs[bare.String()]; ok {
			return a
		}
		return r.affiliation(bare)
	}
	roleOf := func(o *occupant) perm.Role {
		if ro, ok := roles[o]; ok {
			return ro
		}
		return o.role
	}
	policy := r.config.Policy()

	res := make([]resolved, 0, len(changes))
	for _, c := range changes {
		switch c.Kind {
		case ChangeAffiliation:
			bare := c.JID.Bare()
			nick := c.Nick
			if bare.Equal(jid.JID{}) {
				o := r.occupants[c.Nick]
				if o == nil {
					return nil, perm.Deny(stanza.ItemNotFound)
				}
				bare = o.bare
			}
			if nick != "" {
				if owner, ok := r.reservedBy(nick); ok && !owner.Equal(bare) {
					return nil, perm.Deny(stanza.Conflict)
				}
			} else if e, ok := r.affs[bare.String()]; ok {
				nick = e.nick
			}
			prev := affOf(bare)
			if actor != nil {
				err := perm.CanActOn(*actor, prev, perm.AffiliationAction(prev, c.Affiliation), policy)
				if err != nil {
					return nil, err
				}
			}
			affs[bare.String()] = c.Affiliation
			res = append(res, resolved{
				kind:    ChangeAffiliation,
				bare:    bare,
				nick:    nick,
				reason:  c.Reason,
				prevAff: prev,
				nextAff: c.Affiliation,
			})
		case ChangeRole:
			o := r.occupants[c.Nick]
			if o == nil {
				return nil, perm.Deny(stanza.ItemNotFound)
			}
			prev := roleOf(o)
			if actor != nil {
				targetAff := affOf(o.bare)
				act := perm.RoleAction(prev, c.Role)
				err := perm.CanActOn(*actor, targetAff, act, policy)
				if err == nil && act == perm.ActionSetModerator && prev == perm.RoleModerator &&
					targetAff.Rank() >= perm.AffiliationAdmin.Rank() {
					err = perm.Deny(stanza.NotAllowed)
				}
				if err != nil {
					return nil, err
				}
			}
			roles[o] = c.Role
			res = append(res, resolved{
				kind:     ChangeRole,
				bare:     o.bare,
				nick:     o.nick,
				target:   o,
				reason:   c.Reason,
				prevRole: prev,
				nextRole: c.Role,
			})
		default:
			return nil, perm.Deny(stanza.BadRequest)
		}
	}

	owners := 0
	for _, a := range affs {
		if a == perm.AffiliationOwner {
			owners++
		}
	}
	for key, e := range r.affs {
		if _, changed := affs[key]; !changed && e.affiliation == perm.AffiliationOwner {
			owners++
		}
	}
	if owners == 0 {
		return nil, perm.Deny(stanza.Conflict)
	}
	return res, nil
}

func affiliationRecords(res []resolved) []AffiliationRecord {
	idx := make(map[string]int)
	var recs []AffiliationRecord
	for _, c := range res {
		if c.kind != ChangeAffiliation {
			continue
		}
		rec := AffiliationRecord{
			JID:         c.bare,
			Affiliation: c.nextAff,
			Nick:        c.nick,
			Reason:      c.reason,
		}
		if i, ok := idx[c.bare.String()]; ok {
			recs[i] = rec
			continue
		}
		idx[c.bare.String()] = len(recs)
		recs = append(recs, rec)
	}
	return recs
}

// mergeAffiliations returns stored with the records in changed applied.
func mergeAffiliations(stored, changed []AffiliationRecord) []AffiliationRecord {
	idx := make(map[string]int, len(stored))
	for i, rec := range stored {
		idx[rec.JID.String()] = i
	}
	merged := append([]AffiliationRecord(nil), stored...)
	drop := make(map[string]bool)
	for _, rec := range changed {
		key := rec.JID.String()
		drop[key] = rec.Affiliation == perm.AffiliationNone
		if i, ok := idx[key]; ok {
			merged[i] = rec
			continue
		}
		idx[key] = len(merged)
		merged = append(merged, rec)
	}
	out := merged[:0]
	for _, rec := range merged {
		if !drop[rec.JID.String()] {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Room) occupantsOf(bare jid.JID) []*occupant {
	var occs []*occupant
	for _, o := range r.order {
		if o.bare.Equal(bare) {
			occs = append(occs, o)
		}
	}
	return occs
}

// effects commits validated changes to the room state and plans the resulting
// presence.
func (r *Room) effects(res []resolved, actorNick string) []Delivery {
	var plan []Delivery
	for _, c := range res {
		switch c.kind {
		case ChangeAffiliation:
			key := c.bare.String()
			if c.nextAff == perm.AffiliationNone {
				delete(r.affs, key)
			} else {
				e := r.affs[key]
				if e == nil {
					e = &affEntry{jid: c.bare}
					r.affs[key] = e
				}
				e.affiliation = c.nextAff
				e.reason = c.reason
				if c.nick != "" {
					e.nick = c.nick
				}
			}
			for _, o := range r.occupantsOf(c.bare) {
				switch {
				case c.nextAff == perm.AffiliationOutcast:
					plan = append(plan, r.forceLeave(o, StatusBanned, c.reason, actorNick)...)
				case r.config.MembersOnly && !c.nextAff.IsMember():
					plan = append(plan, r.forceLeave(o, StatusAffiliationChanged, c.reason, actorNick)...)
				default:
					switch {
					case c.nextAff == perm.AffiliationOwner || c.nextAff == perm.AffiliationAdmin:
						o.role = perm.RoleModerator
					case c.prevAff == perm.AffiliationOwner || c.prevAff == perm.AffiliationAdmin:
						o.role = r.defaultRole(o.bare)
					}
					plan = append(plan, r.broadcast(o, stanza.AvailablePresence, func(p *Presence) {
						p.Item.Reason = c.reason
					})...)
				}
			}
		case ChangeRole:
			o := c.target
			if r.occupants[o.nick] != o {
				// Removed by an earlier change in the same request.
				continue
			}
			if c.nextRole == perm.RoleNone {
				plan = append(plan, r.forceLeave(o, StatusKicked, c.reason, actorNick)...)
				continue
			}
			o.role = c.nextRole
			if c.nextRole == perm.RoleModerator {
				r.moderators[o.bare.String()] = struct{}{}
			} else {
				delete(r.moderators, o.bare.String())
			}
			plan = append(plan, r.broadcast(o, stanza.AvailablePresence, func(p *Presence) {
				p.Item.Reason = c.reason
			})...)
		}
	}
	return plan
}
