// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/secure/precis"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
)

// JoinRequest is a request to join a room.
type JoinRequest struct {
	// Room is the bare room address.
	Room jid.JID
	Nick string

	// From is the full real address of the session that is joining.
	From     jid.JID
	Password string

	// MaxStanzas limits the number of history messages sent to the joining
	// session. If it is nil the room default is used.
	MaxStanzas *int

	Show   string
	Status string
}

// normalizeNick enforces the nickname profile.
// It returns the enforced nickname and whether it differs from nick.
func normalizeNick(nick string) (string, bool, error) {
	enforced, err := precis.OpaqueString.String(nick)
	if err != nil || enforced == "" {
		return "", false, perm.Deny(stanza.JIDMalformed)
	}
	return enforced, enforced != nick, nil
}

// Join adds the session req.From to a room under the nickname req.Nick.
//
// Joining a room that does not exist creates it with the requester as its
// owner.
// If the session is already joined, joining under the same nickname updates
// its presence and joining under another nickname changes its nickname.
// Another session of the same bare address may join under the nickname that
// bare address already uses; it receives the room state but nothing is
// broadcast to the other occupants.
func (s *Service) Join(ctx context.Context, req JoinRequest) (Occupant, error) {
	nick, modified, err := normalizeNick(req.Nick)
	if err != nil {
		return Occupant{}, err
	}
	addr := req.Room.Bare()
	occAddr, err := addr.WithResource(nick)
	if err != nil || addr.Localpart() == "" {
		return Occupant{}, perm.Deny(stanza.JIDMalformed)
	}
	for {
		r, err := s.roomForJoin(addr, req.From)
		if err != nil {
			return Occupant{}, err
		}
		r.mu.Lock()
		if r.destroyed {
			// The room was destroyed after it was looked up; look it up again.
			r.mu.Unlock()
			continue
		}
		return r.join(ctx, req, nick, occAddr, modified)
	}
}

// join must be called with r.mu held and releases it.
func (r *Room) join(ctx context.Context, req JoinRequest, nick string, occAddr jid.JID, modified bool) (Occupant, error) {
	if o := r.sessions[req.From.String()]; o != nil {
		if o.nick == nick {
			return r.updatePresence(ctx, o, req.Show, req.Status)
		}
		return r.changeNick(ctx, o, nick, occAddr)
	}

	deny := func(c stanza.Condition) (Occupant, error) {
		if r.fresh {
			r.destroyLocked()
		}
		r.mu.Unlock()
		r.logger().WithFields(logrus.Fields{
			"nick": nick,
			"from": req.From,
		}).Debugf("join denied: %s", c)
		return Occupant{}, perm.Deny(c)
	}

	bare := req.From.Bare()
	aff := r.affiliation(bare)
	switch {
	case aff == perm.AffiliationOutcast:
		return deny(stanza.Forbidden)
	case r.locked && aff != perm.AffiliationOwner:
		return deny(stanza.ItemNotFound)
	case r.config.MembersOnly && !aff.IsMember():
		return deny(stanza.RegistrationRequired)
	case r.config.Password != "" && req.Password != r.config.Password && aff != perm.AffiliationOwner:
		// Owners can read the password from the room configuration.
		return deny(stanza.NotAuthorized)
	}

	existing := r.occupants[nick]
	if existing != nil {
		if !existing.bare.Equal(bare) {
			return deny(stanza.Conflict)
		}
		existing.sessions = append(existing.sessions, req.From)
		r.sessions[req.From.String()] = existing
		plan := r.joinState(existing, req.From, req.MaxStanzas, false, r.joinCodes(false, modified))
		view := r.occupantView(existing)
		r.commit(ctx, plan)
		return view, nil
	}
	if owner, ok := r.reservedBy(nick); ok && !owner.Equal(bare) {
		return deny(stanza.Conflict)
	}
	if !r.config.MultiSession {
		for _, o := range r.order {
			if o.bare.Equal(bare) {
				return deny(stanza.Conflict)
			}
		}
	}

	o := &occupant{
		nick:     nick,
		addr:     occAddr,
		bare:     bare,
		sessions: []jid.JID{req.From},
		role:     r.defaultRole(bare),
		show:     req.Show,
		status:   req.Status,
	}
	r.addOccupant(o)
	created := r.fresh && aff == perm.AffiliationOwner
	r.fresh = false
	plan := r.joinState(o, req.From, req.MaxStanzas, true, r.joinCodes(created, modified))
	view := r.occupantView(o)
	r.logger().WithFields(logrus.Fields{
		"nick": nick,
		"role": o.role,
	}).Debug("occupant joined")
	unlocked := created && !r.locked
	r.commit(ctx, plan)
	if unlocked {
		r.save(ctx)
	}
	return view, nil
}

func (r *Room) joinCodes(created, modified bool) []Status {
	var codes []Status
	if r.config.Anonymity == NonAnonymous {
		codes = append(codes, StatusRealJIDVisible)
	}
	if r.config.Logged {
		codes = append(codes, StatusLogging)
	}
	if created {
		codes = append(codes, StatusCreated)
	}
	if modified {
		codes = append(codes, StatusNickModified)
	}
	return codes
}

// joinState plans the stanzas sent when session joins as o: the presence of
// existing occupants, the self-presence, the presence of o for everyone else
// (if announce is set), the discussion history, and the subject.
func (r *Room) joinState(o *occupant, session jid.JID, maxStanzas *int, announce bool, codes []Status) []Delivery {
	var plan []Delivery
	for _, other := range r.order {
		if other == o {
			continue
		}
		plan = append(plan, Delivery{
			To:     session,
			Stanza: r.presence(other, o, session, stanza.AvailablePresence),
		})
	}
	plan = append(plan, Delivery{
		To:     session,
		Stanza: r.presence(o, o, session, stanza.AvailablePresence, codes...),
	})
	if announce {
		r.each(func(to *occupant, s jid.JID) {
			if to == o {
				return
			}
			plan = append(plan, Delivery{
				To:     s,
				Stanza: r.presence(o, to, s, stanza.AvailablePresence),
			})
		})
	}
	plan = append(plan, r.replayHistory(session, maxStanzas)...)
	plan = append(plan, Delivery{
		To:     session,
		Stanza: r.subjectMessage(session),
	})
	return plan
}

// Leave removes the session from from the room.
// The occupant leaves the room with its last session, and temporary rooms are
// destroyed when their last occupant leaves.
func (s *Service) Leave(ctx context.Context, roomAddr, from jid.JID, status string) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	o := r.sessions[from.String()]
	if o == nil {
		r.mu.Unlock()
		return perm.Deny(stanza.ItemNotFound)
	}

	if len(o.sessions) > 1 {
		for i, sess := range o.sessions {
			if sess.Equal(from) {
				o.sessions = append(o.sessions[:i], o.sessions[i+1:]...)
				break
			}
		}
		delete(r.sessions, from.String())
		gone := &occupant{
			nick:     o.nick,
			addr:     o.addr,
			bare:     o.bare,
			sessions: []jid.JID{from},
			status:   status,
		}
		r.commit(ctx, []Delivery{{
			To:     from,
			Stanza: r.presence(gone, gone, from, stanza.UnavailablePresence),
		}})
		return nil
	}

	r.removeOccupant(o)
	o.role = perm.RoleNone
	o.show, o.status = "", status
	plan := r.broadcast(o, stanza.UnavailablePresence, nil)
	destroyed := r.reapLocked()
	r.logger().WithField("nick", o.nick).Debug("occupant left")
	r.commit(ctx, plan)
	if destroyed {
		s.discardAvatar(ctx, r.addr)
	}
	return nil
}

// ChangeNick changes the nickname of the occupant that from is joined as.
func (s *Service) ChangeNick(ctx context.Context, roomAddr, from jid.JID, nick string) (Occupant, error) {
	nick, _, err := normalizeNick(nick)
	if err != nil {
		return Occupant{}, err
	}
	r, err := s.lookup(roomAddr)
	if err != nil {
		return Occupant{}, err
	}
	occAddr, err := r.addr.WithResource(nick)
	if err != nil {
		return Occupant{}, perm.Deny(stanza.JIDMalformed)
	}
	r.mu.Lock()
	o := r.sessions[from.String()]
	if o == nil {
		r.mu.Unlock()
		return Occupant{}, perm.Deny(stanza.NotAcceptable)
	}
	return r.changeNick(ctx, o, nick, occAddr)
}

// changeNick must be called with r.mu held and releases it.
func (r *Room) changeNick(ctx context.Context, o *occupant, nick string, occAddr jid.JID) (Occupant, error) {
	if o.nick == nick {
		view := r.occupantView(o)
		r.mu.Unlock()
		return view, nil
	}
	if r.occupants[nick] != nil {
		r.mu.Unlock()
		return Occupant{}, perm.Deny(stanza.Conflict)
	}
	if owner, ok := r.reservedBy(nick); ok && !owner.Equal(o.bare) {
		r.mu.Unlock()
		return Occupant{}, perm.Deny(stanza.Conflict)
	}

	plan := r.broadcast(o, stanza.UnavailablePresence, func(p *Presence) {
		p.Item.Nick = nick
		p.Show, p.Text = "", ""
	}, StatusNickChanged)

	old := o.nick
	delete(r.occupants, o.nick)
	o.nick = nick
	o.addr = occAddr
	r.occupants[nick] = o

	plan = append(plan, r.broadcast(o, stanza.AvailablePresence, nil)...)
	view := r.occupantView(o)
	r.logger().WithFields(logrus.Fields{
		"nick": nick,
		"old":  old,
	}).Debug("nickname changed")
	r.commit(ctx, plan)
	return view, nil
}

// UpdatePresence broadcasts a new availability and status message for the
// occupant that from is joined as.
func (s *Service) UpdatePresence(ctx context.Context, roomAddr, from jid.JID, show, status string) (Occupant, error) {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return Occupant{}, err
	}
	r.mu.Lock()
	o := r.sessions[from.String()]
	if o == nil {
		r.mu.Unlock()
		return Occupant{}, perm.Deny(stanza.NotAcceptable)
	}
	return r.updatePresence(ctx, o, show, status)
}

// updatePresence must be called with r.mu held and releases it.
func (r *Room) updatePresence(ctx context.Context, o *occupant, show, status string) (Occupant, error) {
	o.show, o.status = show, status
	plan := r.broadcast(o, stanza.AvailablePresence, nil)
	view := r.occupantView(o)
	r.commit(ctx, plan)
	return view, nil
}

func (s *Service) discardAvatar(ctx context.Context, addr jid.JID) {
	if s.avatars == nil {
		return
	}
	err := s.avatars.Delete(ctx, addr)
	if err != nil {
		s.log.WithField("room", addr).WithError(err).Warn("deleting avatar of destroyed room failed")
	}
}
