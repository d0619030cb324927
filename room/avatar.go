// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"errors"
	"fmt"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/vcard"
)

// SetAvatar publishes the avatar of a room at the request of one of its
// owners.
// An avatar with no data removes the published avatar.
func (s *Service) SetAvatar(ctx context.Context, from, roomAddr jid.JID, a vcard.Avatar) error {
	if s.avatars == nil {
		return perm.Deny(stanza.FeatureNotImplemented)
	}
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	snap := r.Snapshot()
	err = perm.CanActOn(snapshotActor(snap, from), perm.AffiliationNone, perm.ActionSetAvatar, snap.Config.Policy())
	if err != nil {
		return err
	}
	if a.Empty() {
		err = s.avatars.Delete(ctx, r.addr)
	} else {
		if verr := s.validator.Validate(a); verr != nil {
			return stanza.Error{
				Type:      stanza.Modify,
				Condition: stanza.NotAcceptable,
				Text:      map[string]string{"": verr.Error()},
			}
		}
		err = s.avatars.Put(ctx, r.addr, a)
	}
	if err != nil {
		return fmt.Errorf("room: storing avatar of %s: %w", r.addr, err)
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		s.discardAvatar(ctx, r.addr)
		return perm.Deny(stanza.ItemNotFound)
	}
	plan := r.message(Message{
		Message: stanza.Message{
			ID:   s.newID(),
			From: r.addr,
			Type: stanza.GroupChatMessage,
		},
		Status: []Status{StatusConfigChanged},
	})
	update := vcard.Update{Hash: a.Hash()}
	r.each(func(_ *occupant, session jid.JID) {
		plan = append(plan, Delivery{To: session, Stanza: AvatarPresence{
			Presence: stanza.Presence{From: r.addr, To: session},
			Update:   update,
		}})
	})
	r.logger().WithField("hash", a.Hash()).Debug("avatar changed")
	r.send(ctx, plan)
	return nil
}

// GetAvatar returns the avatar of a room.
// If no avatar is published the result is empty.
func (s *Service) GetAvatar(ctx context.Context, roomAddr jid.JID) (vcard.Avatar, error) {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return vcard.Avatar{}, err
	}
	if s.avatars == nil {
		return vcard.Avatar{}, nil
	}
	a, err := s.avatars.Get(ctx, r.addr)
	switch {
	case errors.Is(err, vcard.ErrNotFound):
		return vcard.Avatar{}, nil
	case err != nil:
		return vcard.Avatar{}, fmt.Errorf("room: loading avatar of %s: %w", r.addr, err)
	}
	return a, nil
}
