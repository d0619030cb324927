// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
)

// maxPersistAttempts bounds how often a write is retried when the room changes
// while the store is being written.
const maxPersistAttempts = 3

type affEntry struct {
	jid         jid.JID
	affiliation perm.Affiliation
	nick        string
	reason      string
}

type occupant struct {
	nick     string
	addr     jid.JID
	bare     jid.JID
	sessions []jid.JID
	role     perm.Role
	show     string
	status   string
}

func (o *occupant) hasSession(j jid.JID) bool {
	for _, s := range o.sessions {
		if s.Equal(j) {
			return true
		}
	}
	return false
}

type historyEntry struct {
	msg Message
	at  time.Time
}

// Room is a single chat room.
//
// Mutations are serialized by the rooms lock while reads are served from an
// immutable Snapshot.
type Room struct {
	svc  *Service
	addr jid.JID

	// mu guards everything below it.
	mu          sync.Mutex
	version     uint64
	config      Config
	locked      bool
	fresh       bool
	stored      bool
	destroyed   bool
	subject     string
	subjectFrom jid.JID
	affs        map[string]*affEntry
	occupants   map[string]*occupant
	sessions    map[string]*occupant
	order       []*occupant
	moderators  map[string]struct{}
	history     []historyEntry

	// out is held while deliveries are made and is acquired before mu is
	// released so that deliveries happen in the order they were planned.
	out  sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func newRoom(svc *Service, addr jid.JID, c Config) *Room {
	return &Room{
		svc:        svc,
		addr:       addr.Bare(),
		config:     c,
		affs:       make(map[string]*affEntry),
		occupants:  make(map[string]*occupant),
		sessions:   make(map[string]*occupant),
		moderators: make(map[string]struct{}),
	}
}

// Addr returns the bare address of the room.
func (r *Room) Addr() jid.JID {
	return r.addr
}

func (r *Room) logger() logrus.FieldLogger {
	return r.svc.log.WithField("room", r.addr)
}

func (r *Room) grantOwner(j jid.JID) {
	bare := j.Bare()
	r.affs[bare.String()] = &affEntry{jid: bare, affiliation: perm.AffiliationOwner}
}

func (r *Room) affiliation(bare jid.JID) perm.Affiliation {
	e, ok := r.affs[bare.Bare().String()]
	if !ok {
		return perm.AffiliationNone
	}
	return e.affiliation
}

// actor returns the permissions of the entity at the full address from and the
// occupant it is joined as, if any.
func (r *Room) actor(from jid.JID) (perm.Actor, *occupant) {
	o := r.sessions[from.String()]
	a := perm.Actor{Affiliation: r.affiliation(from)}
	if o != nil {
		a.Role = o.role
	}
	return a, o
}

// reservedBy returns the bare address that reserved nick, if any.
func (r *Room) reservedBy(nick string) (jid.JID, bool) {
	for _, e := range r.affs {
		if e.nick == nick && e.affiliation != perm.AffiliationOutcast {
			return e.jid, true
		}
	}
	return jid.JID{}, false
}

func (r *Room) owners() int {
	n := 0
	for _, e := range r.affs {
		if e.affiliation == perm.AffiliationOwner {
			n++
		}
	}
	return n
}

func (r *Room) defaultRole(bare jid.JID) perm.Role {
	if _, ok := r.moderators[bare.String()]; ok {
		return perm.RoleModerator
	}
	return perm.DefaultRole(r.affiliation(bare), r.config.Moderated)
}

// revealsTo reports whether real addresses are visible to the occupant to.
func (r *Room) revealsTo(to *occupant) bool {
	switch r.config.Anonymity {
	case NonAnonymous:
		return true
	case SemiAnonymous:
		return to != nil && to.role == perm.RoleModerator
	}
	return false
}

// each calls f for every session of every occupant in the order they joined.
func (r *Room) each(f func(to *occupant, session jid.JID)) {
	for _, o := range r.order {
		for _, s := range o.sessions {
			f(o, s)
		}
	}
}

// presence returns the presence about o addressed to session, which belongs to
// the occupant to.
func (r *Room) presence(o, to *occupant, session jid.JID, typ stanza.PresenceType, codes ...Status) Presence {
	item := Item{Affiliation: r.affiliation(o.bare), Role: o.role}
	self := to == o
	if self || r.revealsTo(to) {
		item.JID = o.sessions[0]
		if self {
			item.JID = session
		}
	}
	p := Presence{
		Presence: stanza.Presence{From: o.addr, To: session, Type: typ},
		Item:     item,
		Show:     o.show,
		Text:     o.status,
	}
	if self {
		p.Status = append(p.Status, StatusSelf)
	}
	p.Status = append(p.Status, codes...)
	sort.Slice(p.Status, func(i, j int) bool { return p.Status[i] < p.Status[j] })
	return p
}

// broadcast plans the presence about o for every session in the room.
// The sessions of o receive their presence first.
func (r *Room) broadcast(o *occupant, typ stanza.PresenceType, build func(p *Presence), codes ...Status) []Delivery {
	var plan []Delivery
	add := func(to *occupant, session jid.JID) {
		p := r.presence(o, to, session, typ, codes...)
		if build != nil {
			build(&p)
		}
		plan = append(plan, Delivery{To: session, Stanza: p})
	}
	for _, s := range o.sessions {
		add(o, s)
	}
	r.each(func(to *occupant, session jid.JID) {
		if to != o {
			add(to, session)
		}
	})
	return plan
}

// message plans m for every session in the room.
func (r *Room) message(m Message) []Delivery {
	var plan []Delivery
	r.each(func(_ *occupant, session jid.JID) {
		msg := m
		msg.To = session
		plan = append(plan, Delivery{To: session, Stanza: msg})
	})
	return plan
}

func (r *Room) addOccupant(o *occupant) {
	r.occupants[o.nick] = o
	for _, s := range o.sessions {
		r.sessions[s.String()] = o
	}
	r.order = append(r.order, o)
}

func (r *Room) removeOccupant(o *occupant) {
	delete(r.occupants, o.nick)
	for _, s := range o.sessions {
		delete(r.sessions, s.String())
	}
	for i, other := range r.order {
		if other == o {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// forceLeave removes o from the room and plans its departure.
// The sessions of o are told first and their presence carries the reason and
// actor.
func (r *Room) forceLeave(o *occupant, code Status, reason, actor string) []Delivery {
	r.removeOccupant(o)
	o.role = perm.RoleNone
	o.show, o.status = "", ""
	plan := r.broadcast(o, stanza.UnavailablePresence, func(p *Presence) {
		p.Item.Reason = reason
		p.Item.Actor = actor
	}, code)
	r.logger().WithFields(logrus.Fields{
		"nick":   o.nick,
		"status": code,
		"actor":  actor,
	}).Debug("occupant removed")
	return plan
}

// reapLocked destroys a temporary room that has no occupants.
// It reports whether the room was destroyed.
func (r *Room) reapLocked() bool {
	if len(r.occupants) > 0 || r.config.Persistent || r.destroyed {
		return false
	}
	r.destroyLocked()
	return true
}

func (r *Room) destroyLocked() {
	r.destroyed = true
	r.svc.remove(r)
	r.logger().Debug("room destroyed")
}

func (r *Room) record() Record {
	rec := Record{
		JID:     r.addr,
		Config:  r.config,
		Subject: r.subject,
	}
	for _, e := range r.affs {
		rec.Affiliations = append(rec.Affiliations, AffiliationRecord{
			JID:         e.jid,
			Affiliation: e.affiliation,
			Nick:        e.nick,
			Reason:      e.reason,
		})
	}
	sort.Slice(rec.Affiliations, func(i, j int) bool {
		return rec.Affiliations[i].JID.String() < rec.Affiliations[j].JID.String()
	})
	return rec
}

// markStored records that a persistent room has been written to the store.
// It must be called with r.mu held after a successful persist.
func (r *Room) markStored() {
	r.stored = r.config.Persistent && r.svc.store != nil
}

// save writes a persistent room that has not been stored yet.
func (r *Room) save(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	err := r.persist(ctx, func() (func(context.Context) error, error) {
		if r.stored || !r.config.Persistent {
			return nil, nil
		}
		rec := r.record()
		return func(ctx context.Context) error {
			return r.svc.store.SaveRoom(ctx, rec)
		}, nil
	})
	if err != nil {
		r.logger().WithError(err).Warn("storing new room failed")
		return
	}
	r.markStored()
}

// persist performs a store write outside of the room lock.
//
// It must be called with r.mu held.
// prepare is called with r.mu held, validates the operation against the
// current state, and returns the write to perform (or nil if there is nothing
// to write).
// If the room changes while the write is in progress prepare is called again.
// persist always returns with r.mu held; when it returns nil the state is the
// one that was last validated by prepare.
func (r *Room) persist(ctx context.Context, prepare func() (func(context.Context) error, error)) error {
	for attempt := 0; ; attempt++ {
		var write func(context.Context) error
		var err error
		if r.destroyed {
			err = perm.Deny(stanza.ItemNotFound)
		} else {
			write, err = prepare()
		}
		if err != nil {
			if attempt > 0 {
				r.compensate(ctx)
			}
			return err
		}
		if write == nil || r.svc.store == nil {
			return nil
		}
		v := r.version
		r.mu.Unlock()
		err = write(ctx)
		r.mu.Lock()
		if err != nil {
			return fmt.Errorf("room: persisting %s: %w", r.addr, err)
		}
		if r.version == v {
			return nil
		}
		if attempt+1 >= maxPersistAttempts {
			r.compensate(ctx)
			return perm.Deny(stanza.ResourceConstraint)
		}
	}
}

// compensate rewrites the stored room from the in-memory state after a write
// that was not committed.
// It must be called with r.mu held and returns with r.mu held.
func (r *Room) compensate(ctx context.Context) {
	if r.svc.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < maxPersistAttempts; i++ {
		v := r.version
		rec := r.record()
		keep := r.config.Persistent && !r.destroyed
		r.mu.Unlock()
		var err error
		if keep {
			err = r.svc.store.SaveRoom(ctx, rec)
		} else {
			err = r.svc.store.DeleteRoom(ctx, r.addr)
		}
		r.mu.Lock()
		if err != nil {
			r.logger().WithError(err).Error("restoring stored room failed")
			return
		}
		r.stored = keep
		if r.version == v {
			return
		}
	}
	r.logger().Warn("stored room may be stale")
}

// commit publishes the current state and delivers plan.
// It must be called with r.mu held and releases it.
func (r *Room) commit(ctx context.Context, plan []Delivery) {
	r.version++
	r.publish()
	r.send(ctx, plan)
}

// send delivers plan without publishing a new state.
// It must be called with r.mu held and releases it.
func (r *Room) send(ctx context.Context, plan []Delivery) {
	r.out.Lock()
	r.mu.Unlock()
	defer r.out.Unlock()
	r.svc.deliver(ctx, r, plan)
}
