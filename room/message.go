// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
)

// subjectMessage returns the current subject addressed to session.
func (r *Room) subjectMessage(session jid.JID) Message {
	subject := r.subject
	from := r.addr
	if r.svc.subjectFrom == SubjectFromOccupant && !r.subjectFrom.Equal(jid.JID{}) {
		from = r.subjectFrom
	}
	return Message{
		Message: stanza.Message{
			ID:   r.svc.newID(),
			From: from,
			To:   session,
			Type: stanza.GroupChatMessage,
		},
		Subject: &subject,
	}
}

func (r *Room) replayHistory(session jid.JID, maxStanzas *int) []Delivery {
	entries := r.history
	if maxStanzas != nil && *maxStanzas >= 0 && *maxStanzas < len(entries) {
		entries = entries[len(entries)-*maxStanzas:]
	}
	plan := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		msg := e.msg
		msg.To = session
		msg.Delay = &delay.Delay{From: r.addr, Time: e.at}
		plan = append(plan, Delivery{To: session, Stanza: msg})
	}
	return plan
}

func (r *Room) appendHistory(m Message) {
	limit := r.config.MaxHistory
	if limit <= 0 {
		r.history = nil
		return
	}
	m.To = jid.JID{}
	r.history = append(r.history, historyEntry{msg: m, at: r.svc.now().UTC()})
	if over := len(r.history) - limit; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// ChangeSubject sets the subject of the room and sends it to every occupant.
// An empty subject removes the subject.
func (s *Service) ChangeSubject(ctx context.Context, from, roomAddr jid.JID, subject string) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var o *occupant
	err = r.persist(ctx, func() (func(context.Context) error, error) {
		var actor perm.Actor
		actor, o = r.actor(from)
		if o == nil {
			return nil, perm.Deny(stanza.Forbidden)
		}
		err := perm.CanActOn(actor, perm.AffiliationNone, perm.ActionChangeSubject, r.config.Policy())
		if err != nil {
			return nil, err
		}
		if !r.config.Persistent {
			return nil, nil
		}
		rec := r.record()
		rec.Subject = subject
		return func(ctx context.Context) error {
			return s.store.SaveRoom(ctx, rec)
		}, nil
	})
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.markStored()
	r.subject = subject
	r.subjectFrom = o.addr
	var plan []Delivery
	r.each(func(_ *occupant, session jid.JID) {
		plan = append(plan, Delivery{To: session, Stanza: r.subjectMessage(session)})
	})
	r.logger().WithField("nick", o.nick).Debug("subject changed")
	r.commit(ctx, plan)
	return nil
}

// GroupMessage is a message sent to every occupant of a room.
type GroupMessage struct {
	// ID is reflected back to the sender.
	ID   string
	Body string
}

// SendGroupMessage sends a message from the occupant that from is joined as to
// every occupant and records it in the discussion history.
func (s *Service) SendGroupMessage(ctx context.Context, from, roomAddr jid.JID, msg GroupMessage) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, o := r.actor(from)
	if o == nil {
		r.mu.Unlock()
		return perm.Deny(stanza.NotAcceptable)
	}
	err = perm.CanActOn(actor, perm.AffiliationNone, perm.ActionSendMessage, r.config.Policy())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	m := Message{
		Message: stanza.Message{
			ID:   msg.ID,
			From: o.addr,
			Type: stanza.GroupChatMessage,
		},
		Body: msg.Body,
	}
	if m.ID == "" {
		m.ID = s.newID()
	}
	plan := r.message(m)
	r.appendHistory(m)
	r.commit(ctx, plan)
	return nil
}

// PrivateMessage is a message relayed to a single occupant.
type PrivateMessage struct {
	ID   string
	Type stanza.MessageType
	Body string
}

// RelayPrivate delivers a private message from the occupant that from is
// joined as to every session of the occupant with nickname nick.
func (s *Service) RelayPrivate(ctx context.Context, from, roomAddr jid.JID, nick string, msg PrivateMessage) error {
	if msg.Type == stanza.GroupChatMessage {
		return perm.Deny(stanza.BadRequest)
	}
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, o := r.actor(from)
	if o == nil {
		r.mu.Unlock()
		return perm.Deny(stanza.NotAcceptable)
	}
	target := r.occupants[nick]
	if target == nil {
		r.mu.Unlock()
		return perm.Deny(stanza.ItemNotFound)
	}
	err = perm.CanActOn(actor, r.affiliation(target.bare), perm.ActionPrivateMessage, r.config.Policy())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	plan := make([]Delivery, 0, len(target.sessions))
	for _, session := range target.sessions {
		plan = append(plan, Delivery{
			To: session,
			Stanza: Message{
				Message: stanza.Message{
					ID:   msg.ID,
					From: o.addr,
					To:   session,
					Type: msg.Type,
				},
				Body: msg.Body,
				User: true,
			},
		})
	}
	r.send(ctx, plan)
	return nil
}

// InviteRequest is a mediated invitation sent through a room.
type InviteRequest struct {
	To       jid.JID
	Reason   string
	Thread   string
	Continue bool
}

// Invite forwards an invitation from the occupant that from is joined as.
func (s *Service) Invite(ctx context.Context, from, roomAddr jid.JID, inv InviteRequest) error {
	r, err := s.lookup(roomAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, o := r.actor(from)
	if o == nil {
		r.mu.Unlock()
		return perm.Deny(stanza.NotAcceptable)
	}
	err = perm.CanActOn(actor, perm.AffiliationNone, perm.ActionInvite, r.config.Policy())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	inviter := from.Bare()
	if r.config.Anonymity == FullyAnonymous {
		inviter = o.addr
	}
	m := Message{
		Message: stanza.Message{
			ID:   s.newID(),
			From: r.addr,
			To:   inv.To,
			Type: stanza.NormalMessage,
		},
		Invite: &Invite{
			From:     inviter,
			Reason:   inv.Reason,
			Thread:   inv.Thread,
			Continue: inv.Continue,
		},
		Password: r.config.Password,
	}
	r.logger().WithFields(logrus.Fields{
		"nick":    o.nick,
		"invitee": inv.To,
	}).Debug("invitation forwarded")
	r.send(ctx, []Delivery{{To: inv.To, Stanza: m}})
	return nil
}
