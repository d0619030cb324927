// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package room implements the state machine of a Multi-User Chat service.
//
// A Service holds every room hosted by the chat service.
// Each room is guarded by its own lock, and operations on different rooms
// never contend with one another.
// Operations validate the request against the rooms state and the permission
// lattice in the perm package, mutate the state, and compute the stanzas that
// must be sent as a result.
// The stanzas are handed to a Deliverer after the state lock is released, in
// the order they were produced for that room:
//
//	svc := room.New(
//		room.Deliver(deliverer),
//		room.Persist(store),
//	)
//	occ, err := svc.Join(ctx, room.JoinRequest{
//		Room: jid.MustParse("coven@chat.shakespeare.lit"),
//		Nick: "thirdwitch",
//		From: jid.MustParse("hag66@shakespeare.lit/pda"),
//	})
//
// Errors caused by the request are returned as stanza.Error values that can be
// sent back to the requesting entity unchanged.
package room // import "mellium.im/mucd/room"

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/vcard"
)

// SubjectSender selects the address subject changes are sent from.
type SubjectSender uint8

// A list of subject senders.
const (
	// SubjectFromOccupant sends subject changes from the occupant address of the
	// occupant that changed it.
	SubjectFromOccupant SubjectSender = iota

	// SubjectFromRoom sends subject changes from the bare room address.
	SubjectFromRoom
)

// Option is used to configure a Service.
type Option func(*Service)

// Persist stores persistent rooms in s.
// By default rooms are only kept in memory.
func Persist(s Store) Option {
	return func(svc *Service) {
		svc.store = s
	}
}

// Avatars stores room avatars in s.
// If no avatar store is configured avatar operations are not supported.
func Avatars(s vcard.Store, v vcard.Validator) Option {
	return func(svc *Service) {
		svc.avatars = s
		svc.validator = v
	}
}

// Deliver sends stanzas produced by rooms using d.
// By default stanzas are discarded.
func Deliver(d Deliverer) Option {
	return func(svc *Service) {
		svc.deliverer = d
	}
}

// Logger sets the logger used by the service.
// By default nothing is logged.
func Logger(l logrus.FieldLogger) Option {
	return func(svc *Service) {
		svc.log = l
	}
}

// Subject selects the address subject changes are sent from.
func Subject(s SubjectSender) Option {
	return func(svc *Service) {
		svc.subjectFrom = s
	}
}

// Defaults sets the configuration of new rooms.
// By default DefaultConfig is used.
func Defaults(c Config) Option {
	return func(svc *Service) {
		svc.defaults = c
	}
}

// LockNewRooms controls whether rooms created by joining them stay locked until
// their owner configures them.
// Rooms are locked by default.
func LockNewRooms(lock bool) Option {
	return func(svc *Service) {
		svc.lockNew = lock
	}
}

// AllowCreate restricts who may create rooms by joining them.
// By default anyone may create rooms.
func AllowCreate(f func(requester jid.JID) bool) Option {
	return func(svc *Service) {
		svc.allowCreate = f
	}
}

// Clock sets the function used to timestamp room history.
func Clock(now func() time.Time) Option {
	return func(svc *Service) {
		svc.now = now
	}
}

// Service is a Multi-User Chat service hosting many rooms.
type Service struct {
	store       Store
	avatars     vcard.Store
	validator   vcard.Validator
	deliverer   Deliverer
	log         logrus.FieldLogger
	subjectFrom SubjectSender
	defaults    Config
	lockNew     bool
	allowCreate func(jid.JID) bool
	now         func() time.Time
	newID       func() string

	mu    sync.RWMutex
	rooms map[string]*Room
}

// New creates a service with no rooms.
func New(opts ...Option) *Service {
	discard := logrus.New()
	discard.Out = io.Discard
	s := &Service{
		deliverer: DelivererFunc(func(context.Context, Delivery) error { return nil }),
		log:       discard,
		defaults:  DefaultConfig,
		lockNew:   true,
		now:       time.Now,
		newID:     uuid.NewString,
		rooms:     make(map[string]*Room),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load restores persistent rooms from the configured store.
// Rooms that are already hosted are left untouched.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("room: loading rooms: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		addr := rec.JID.Bare()
		if _, ok := s.rooms[addr.String()]; ok {
			continue
		}
		r := newRoom(s, addr, rec.Config)
		r.subject = rec.Subject
		r.stored = true
		for _, a := range rec.Affiliations {
			r.affs[a.JID.Bare().String()] = &affEntry{
				jid:         a.JID.Bare(),
				affiliation: a.Affiliation,
				nick:        a.Nick,
				reason:      a.Reason,
			}
		}
		r.publish()
		s.rooms[addr.String()] = r
	}
	s.log.WithField("rooms", len(recs)).Info("loaded persistent rooms")
	return nil
}

// Create creates an unlocked room owned by owner.
// If the room is persistent it is stored before it becomes visible.
// Creating a room that already exists results in a conflict error.
func (s *Service) Create(ctx context.Context, addr, owner jid.JID, c Config) (*Room, error) {
	addr = addr.Bare()
	if addr.Localpart() == "" {
		return nil, perm.Deny(stanza.JIDMalformed)
	}
	if _, ok := s.Room(addr); ok {
		return nil, perm.Deny(stanza.Conflict)
	}
	r := newRoom(s, addr, c)
	r.grantOwner(owner)
	r.publish()
	if c.Persistent && s.store != nil {
		err := s.store.SaveRoom(ctx, r.record())
		if err != nil {
			return nil, fmt.Errorf("room: creating %s: %w", addr, err)
		}
		r.stored = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[addr.String()]; ok {
		return nil, perm.Deny(stanza.Conflict)
	}
	s.rooms[addr.String()] = r
	s.log.WithFields(logrus.Fields{"room": addr, "owner": owner.Bare()}).Info("room created")
	return r, nil
}

// Room returns the room with the given address.
func (s *Service) Room(addr jid.JID) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[addr.Bare().String()]
	return r, ok
}

// Rooms returns snapshots of every hosted room ordered by address.
func (s *Service) Rooms() []*Snapshot {
	s.mu.RLock()
	snaps := make([]*Snapshot, 0, len(s.rooms))
	for _, r := range s.rooms {
		snaps = append(snaps, r.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Addr.String() < snaps[j].Addr.String()
	})
	return snaps
}

// lookup returns the room with the given address or an item-not-found error.
func (s *Service) lookup(addr jid.JID) (*Room, error) {
	r, ok := s.Room(addr)
	if !ok {
		return nil, perm.Deny(stanza.ItemNotFound)
	}
	return r, nil
}

// roomForJoin returns the room at addr, creating it for requester if it does
// not exist.
func (s *Service) roomForJoin(addr, requester jid.JID) (*Room, error) {
	if r, ok := s.Room(addr); ok {
		return r, nil
	}
	if s.allowCreate != nil && !s.allowCreate(requester) {
		return nil, perm.Deny(stanza.NotAllowed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[addr.String()]; ok {
		return r, nil
	}
	r := newRoom(s, addr, s.defaults)
	r.grantOwner(requester)
	r.locked = s.lockNew
	r.fresh = true
	r.publish()
	s.rooms[addr.String()] = r
	s.log.WithFields(logrus.Fields{"room": addr, "owner": requester.Bare()}).Debug("room created by join")
	return r, nil
}

// remove drops r from the arena.
// It is called with r.mu held.
func (s *Service) remove(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[r.addr.String()] == r {
		delete(s.rooms, r.addr.String())
	}
}

func (s *Service) deliver(ctx context.Context, r *Room, plan []Delivery) {
	for _, d := range plan {
		err := s.deliverer.Deliver(ctx, d)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"room": r.addr,
				"to":   d.To,
			}).WithError(err).Warn("delivery failed")
		}
	}
}
