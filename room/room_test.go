// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room_test

import (
	"context"
	"errors"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/internal/mucdtest"
	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
)

var (
	roomAddr   = jid.MustParse("coven@chat.shakespeare.lit")
	crone      = jid.MustParse("crone1@shakespeare.lit/desktop")
	crone2     = jid.MustParse("crone1@shakespeare.lit/laptop")
	wiccarocks = jid.MustParse("wiccarocks@shakespeare.lit/laptop")
	hag        = jid.MustParse("hag66@shakespeare.lit/pda")
	hecate     = jid.MustParse("hecate@shakespeare.lit/broom")
)

func occAddr(nick string) jid.JID {
	j, err := roomAddr.WithResource(nick)
	if err != nil {
		panic(err)
	}
	return j
}

func condition(err error) stanza.Condition {
	var se stanza.Error
	if errors.As(err, &se) {
		return se.Condition
	}
	return ""
}

func newService(opts ...room.Option) (*room.Service, *mucdtest.Recorder) {
	rec := &mucdtest.Recorder{}
	opts = append([]room.Option{room.Deliver(rec), room.LockNewRooms(false)}, opts...)
	return room.New(opts...), rec
}

func join(t *testing.T, svc *room.Service, from jid.JID, nick string) room.Occupant {
	t.Helper()
	occ, err := svc.Join(context.Background(), room.JoinRequest{
		Room: roomAddr,
		Nick: nick,
		From: from,
	})
	if err != nil {
		t.Fatalf("error joining as %s: %v", nick, err)
	}
	return occ
}

func setAffiliation(t *testing.T, svc *room.Service, actor, target jid.JID, a perm.Affiliation) {
	t.Helper()
	err := svc.ApplyAdmin(context.Background(), actor, roomAddr, []room.Change{{
		Kind:        room.ChangeAffiliation,
		JID:         target.Bare(),
		Affiliation: a,
	}})
	if err != nil {
		t.Fatalf("error setting affiliation of %s to %s: %v", target, a, err)
	}
}

func snapshot(t *testing.T, svc *room.Service) *room.Snapshot {
	t.Helper()
	r, ok := svc.Room(roomAddr)
	if !ok {
		t.Fatalf("room %s does not exist", roomAddr)
	}
	return r.Snapshot()
}

func TestJoinCreatesRoom(t *testing.T) {
	svc, rec := newService()
	occ := join(t, svc, crone, "firstwitch")

	if occ.Affiliation != perm.AffiliationOwner {
		t.Errorf("wrong affiliation: want=%v, got=%v", perm.AffiliationOwner, occ.Affiliation)
	}
	if occ.Role != perm.RoleModerator {
		t.Errorf("wrong role: want=%v, got=%v", perm.RoleModerator, occ.Role)
	}
	if !occ.Addr.Equal(occAddr("firstwitch")) {
		t.Errorf("wrong occupant address: want=%v, got=%v", occAddr("firstwitch"), occ.Addr)
	}

	got := rec.Take()
	if len(got) != 2 {
		t.Fatalf("wrong number of deliveries: want=2, got=%d", len(got))
	}
	self, ok := got[0].Stanza.(room.Presence)
	if !ok {
		t.Fatalf("expected self-presence first, got %T", got[0].Stanza)
	}
	for _, code := range []room.Status{room.StatusSelf, room.StatusCreated} {
		if !self.HasStatus(code) {
			t.Errorf("self-presence missing status %d: %v", code, self.Status)
		}
	}
	if !self.Item.JID.Equal(crone) {
		t.Errorf("self-presence should reveal own address: want=%v, got=%v", crone, self.Item.JID)
	}
	subj, ok := got[1].Stanza.(room.Message)
	if !ok || subj.Subject == nil {
		t.Fatalf("expected subject last, got %#v", got[1].Stanza)
	}
	if *subj.Subject != "" {
		t.Errorf("wrong subject: want empty, got=%q", *subj.Subject)
	}
}

func TestLockedRoom(t *testing.T) {
	svc, _ := newService(room.LockNewRooms(true))
	ctx := context.Background()
	join(t, svc, crone, "firstwitch")
	if !snapshot(t, svc).Locked {
		t.Fatalf("expected new room to be locked")
	}

	_, err := svc.Join(ctx, room.JoinRequest{Room: roomAddr, Nick: "thirdwitch", From: hag})
	if c := condition(err); c != stanza.ItemNotFound {
		t.Fatalf("wrong error joining locked room: want=%v, got=%v", stanza.ItemNotFound, err)
	}

	err = svc.SetConfig(ctx, crone, roomAddr, room.DefaultConfig)
	if err != nil {
		t.Fatalf("error configuring room: %v", err)
	}
	if snapshot(t, svc).Locked {
		t.Fatalf("expected configured room to be unlocked")
	}
	join(t, svc, hag, "thirdwitch")
}

func TestLockedRoomDeniedCreation(t *testing.T) {
	svc, _ := newService(room.AllowCreate(func(j jid.JID) bool {
		return j.Domain().Equal(jid.MustParse("shakespeare.lit"))
	}))
	_, err := svc.Join(context.Background(), room.JoinRequest{
		Room: roomAddr,
		Nick: "intruder",
		From: jid.MustParse("someone@example.net/res"),
	})
	if c := condition(err); c != stanza.NotAllowed {
		t.Fatalf("wrong error: want=%v, got=%v", stanza.NotAllowed, err)
	}
	if _, ok := svc.Room(roomAddr); ok {
		t.Errorf("room should not have been created")
	}
}

var joinErrorTests = [...]struct {
	name  string
	cfg   func(*room.Config)
	setup func(*testing.T, *room.Service)
	req   room.JoinRequest
	err   stanza.Condition
}{
	0: {
		name: "outcast",
		setup: func(t *testing.T, svc *room.Service) {
			setAffiliation(t, svc, crone, hag, perm.AffiliationOutcast)
		},
		req: room.JoinRequest{Nick: "thirdwitch", From: hag},
		err: stanza.Forbidden,
	},
	1: {
		name: "members only",
		cfg:  func(c *room.Config) { c.MembersOnly = true },
		req:  room.JoinRequest{Nick: "thirdwitch", From: hag},
		err:  stanza.RegistrationRequired,
	},
	2: {
		name: "wrong password",
		cfg:  func(c *room.Config) { c.Password = "cauldronburn" },
		req:  room.JoinRequest{Nick: "thirdwitch", From: hag, Password: "toil"},
		err:  stanza.NotAuthorized,
	},
	3: {
		name: "nick in use",
		req:  room.JoinRequest{Nick: "firstwitch", From: hag},
		err:  stanza.Conflict,
	},
	4: {
		name: "nick reserved",
		setup: func(t *testing.T, svc *room.Service) {
			err := svc.ApplyAdmin(context.Background(), crone, roomAddr, []room.Change{{
				Kind:        room.ChangeAffiliation,
				JID:         wiccarocks.Bare(),
				Nick:        "secondwitch",
				Affiliation: perm.AffiliationMember,
			}})
			if err != nil {
				t.Fatalf("error reserving nick: %v", err)
			}
		},
		req: room.JoinRequest{Nick: "secondwitch", From: hag},
		err: stanza.Conflict,
	},
	5: {
		name: "second nick",
		req:  room.JoinRequest{Nick: "anotherwitch", From: crone2},
		err:  stanza.Conflict,
	},
	6: {
		name: "empty nick",
		req:  room.JoinRequest{Nick: "", From: hag},
		err:  stanza.JIDMalformed,
	},
}

func TestJoinErrors(t *testing.T) {
	for _, tc := range joinErrorTests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := room.DefaultConfig
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			svc, rec := newService(room.Defaults(cfg))
			join(t, svc, crone, "firstwitch")
			if tc.setup != nil {
				tc.setup(t, svc)
			}
			rec.Take()
			before := snapshot(t, svc)

			req := tc.req
			req.Room = roomAddr
			_, err := svc.Join(context.Background(), req)
			if c := condition(err); c != tc.err {
				t.Fatalf("wrong error: want=%v, got=%v", tc.err, err)
			}
			if n := rec.Len(); n != 0 {
				t.Errorf("rejected join delivered %d stanzas", n)
			}
			after := snapshot(t, svc)
			if len(after.Occupants) != len(before.Occupants) {
				t.Errorf("rejected join changed occupants: want=%d, got=%d", len(before.Occupants), len(after.Occupants))
			}
		})
	}
}

func TestJoinPassword(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.Password = "cauldronburn"
	svc, _ := newService(room.Defaults(cfg))
	// The creator is the owner and does not need the password.
	join(t, svc, crone, "firstwitch")
	if _, ok := svc.Room(roomAddr); !ok {
		t.Fatalf("room created without the password was destroyed")
	}
	join(t, svc, crone2, "firstwitch")

	_, err := svc.Join(context.Background(), room.JoinRequest{
		Room: roomAddr,
		Nick: "thirdwitch",
		From: hag,
	})
	if c := condition(err); c != stanza.NotAuthorized {
		t.Errorf("wrong error joining without password: want=%v, got=%v", stanza.NotAuthorized, err)
	}
	_, err = svc.Join(context.Background(), room.JoinRequest{
		Room:     roomAddr,
		Nick:     "thirdwitch",
		From:     hag,
		Password: "cauldronburn",
	})
	if err != nil {
		t.Fatalf("error joining with password: %v", err)
	}
}

func TestJoinPresence(t *testing.T) {
	svc, rec := newService()
	join(t, svc, crone, "firstwitch")
	rec.Take()
	join(t, svc, hag, "thirdwitch")
	got := rec.Take()

	toHag := mucdtest.Presences(mucdtest.To(got, hag))
	if len(toHag) != 2 {
		t.Fatalf("wrong number of presences to joiner: want=2, got=%d", len(toHag))
	}
	if !toHag[0].From.Equal(occAddr("firstwitch")) {
		t.Errorf("existing occupants should be sent first: got presence from %v", toHag[0].From)
	}
	if !toHag[0].Item.JID.Equal(jid.JID{}) {
		t.Errorf("semi-anonymous room revealed address to participant: %v", toHag[0].Item.JID)
	}
	if !toHag[1].HasStatus(room.StatusSelf) {
		t.Errorf("self-presence should be sent after existing occupants: %v", toHag[1].Status)
	}
	if toHag[1].HasStatus(room.StatusRealJIDVisible) {
		t.Errorf("semi-anonymous room should not send status 100")
	}

	toCrone := mucdtest.Presences(mucdtest.To(got, crone))
	if len(toCrone) != 1 {
		t.Fatalf("wrong number of presences to existing occupant: want=1, got=%d", len(toCrone))
	}
	if !toCrone[0].Item.JID.Equal(hag) {
		t.Errorf("moderator should see real address: want=%v, got=%v", hag, toCrone[0].Item.JID)
	}
	if toCrone[0].HasStatus(room.StatusSelf) {
		t.Errorf("presence of another occupant carried status 110")
	}

	last := got[len(got)-1]
	if m, ok := last.Stanza.(room.Message); !ok || m.Subject == nil || !last.To.Equal(hag) {
		t.Errorf("expected subject to joiner last, got %#v", last)
	}
}

func TestNonAnonymousJoin(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.Anonymity = room.NonAnonymous
	cfg.Logged = true
	svc, rec := newService(room.Defaults(cfg))
	join(t, svc, crone, "firstwitch")
	rec.Take()
	join(t, svc, hag, "thirdwitch")
	got := rec.Take()

	toHag := mucdtest.Presences(mucdtest.To(got, hag))
	self := toHag[len(toHag)-1]
	for _, code := range []room.Status{room.StatusRealJIDVisible, room.StatusSelf, room.StatusLogging} {
		if !self.HasStatus(code) {
			t.Errorf("self-presence missing status %d: %v", code, self.Status)
		}
	}
	if !toHag[0].Item.JID.Equal(crone) {
		t.Errorf("non-anonymous room should reveal addresses: want=%v, got=%v", crone, toHag[0].Item.JID)
	}
}

func TestFullyAnonymousJoin(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.Anonymity = room.FullyAnonymous
	svc, rec := newService(room.Defaults(cfg))
	join(t, svc, crone, "firstwitch")
	rec.Take()
	join(t, svc, hag, "thirdwitch")
	for _, p := range mucdtest.Presences(mucdtest.To(rec.Take(), crone)) {
		if !p.Item.JID.Equal(jid.JID{}) {
			t.Errorf("anonymous room revealed address to moderator: %v", p.Item.JID)
		}
	}
}

func TestNickModified(t *testing.T) {
	svc, rec := newService()
	occ := join(t, svc, crone, "first\u00a0witch")
	if occ.Nick != "first witch" {
		t.Fatalf("wrong enforced nickname: want=%q, got=%q", "first witch", occ.Nick)
	}
	self := mucdtest.Presences(rec.Take())[0]
	if !self.HasStatus(room.StatusNickModified) {
		t.Errorf("expected status 210 when the nickname was modified: %v", self.Status)
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	svc, rec := newService()
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	rec.Take()

	err := svc.Leave(ctx, roomAddr, hag, "gone where the goblins go")
	if err != nil {
		t.Fatalf("error leaving: %v", err)
	}
	got := mucdtest.Presences(rec.Take())
	if len(got) != 2 {
		t.Fatalf("wrong number of presences: want=2, got=%d", len(got))
	}
	for _, p := range got {
		if p.Type != stanza.UnavailablePresence {
			t.Errorf("wrong presence type: want=%v, got=%v", stanza.UnavailablePresence, p.Type)
		}
		if p.Item.Role != perm.RoleNone {
			t.Errorf("departed occupant should have no role: %v", p.Item.Role)
		}
		if p.Text != "gone where the goblins go" {
			t.Errorf("wrong status text: %q", p.Text)
		}
	}
	if !got[0].To.Equal(hag) || !got[0].HasStatus(room.StatusSelf) {
		t.Errorf("leaving occupant should be told first with status 110")
	}

	err = svc.Leave(ctx, roomAddr, hag, "")
	if c := condition(err); c != stanza.ItemNotFound {
		t.Errorf("wrong error leaving twice: want=%v, got=%v", stanza.ItemNotFound, err)
	}
}

func TestLeaveDestroysTemporaryRoom(t *testing.T) {
	svc, _ := newService()
	join(t, svc, crone, "firstwitch")
	err := svc.Leave(context.Background(), roomAddr, crone, "")
	if err != nil {
		t.Fatalf("error leaving: %v", err)
	}
	if _, ok := svc.Room(roomAddr); ok {
		t.Errorf("empty temporary room should be destroyed")
	}
}

func TestLeaveKeepsOwnership(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.Persistent = true
	svc, _ := newService(room.Defaults(cfg))
	join(t, svc, crone, "firstwitch")
	err := svc.Leave(context.Background(), roomAddr, crone, "")
	if err != nil {
		t.Fatalf("error leaving: %v", err)
	}
	snap := snapshot(t, svc)
	if a := snap.Affiliation(crone); a != perm.AffiliationOwner {
		t.Errorf("leaving should not remove ownership: got=%v", a)
	}
	if len(snap.Occupants) != 0 {
		t.Errorf("expected no occupants, got %d", len(snap.Occupants))
	}
}

func TestChangeNick(t *testing.T) {
	ctx := context.Background()
	svc, rec := newService()
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	rec.Take()

	occ, err := svc.ChangeNick(ctx, roomAddr, hag, "oldhag")
	if err != nil {
		t.Fatalf("error changing nick: %v", err)
	}
	if !occ.Addr.Equal(occAddr("oldhag")) {
		t.Errorf("wrong new address: want=%v, got=%v", occAddr("oldhag"), occ.Addr)
	}
	got := mucdtest.Presences(rec.Take())
	if len(got) != 4 {
		t.Fatalf("wrong number of presences: want=4, got=%d", len(got))
	}
	for _, p := range got[:2] {
		if p.Type != stanza.UnavailablePresence || !p.HasStatus(room.StatusNickChanged) {
			t.Errorf("expected unavailable presence with 303 first, got %v %v", p.Type, p.Status)
		}
		if p.Item.Nick != "oldhag" || !p.From.Equal(occAddr("thirdwitch")) {
			t.Errorf("wrong nick change presence: from=%v nick=%q", p.From, p.Item.Nick)
		}
	}
	for _, p := range got[2:] {
		if p.Type != stanza.AvailablePresence || !p.From.Equal(occAddr("oldhag")) {
			t.Errorf("expected available presence from new nick, got %v from %v", p.Type, p.From)
		}
	}

	snap := snapshot(t, svc)
	if _, ok := snap.Occupant("thirdwitch"); ok {
		t.Errorf("old nickname still resolves")
	}
	if _, ok := snap.Occupant("oldhag"); !ok {
		t.Errorf("new nickname does not resolve")
	}

	_, err = svc.ChangeNick(ctx, roomAddr, hag, "firstwitch")
	if c := condition(err); c != stanza.Conflict {
		t.Errorf("wrong error taking another nick: want=%v, got=%v", stanza.Conflict, err)
	}
}

func TestJoinAsNickChange(t *testing.T) {
	svc, _ := newService()
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	occ := join(t, svc, hag, "oldhag")
	if occ.Nick != "oldhag" {
		t.Fatalf("joining again under a new nick should change it: got=%q", occ.Nick)
	}
	if n := len(snapshot(t, svc).Occupants); n != 2 {
		t.Errorf("wrong number of occupants: want=2, got=%d", n)
	}
}

func TestUpdatePresence(t *testing.T) {
	svc, rec := newService()
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	rec.Take()

	_, err := svc.UpdatePresence(context.Background(), roomAddr, hag, "away", "brewing")
	if err != nil {
		t.Fatalf("error updating presence: %v", err)
	}
	got := mucdtest.Presences(rec.Take())
	if len(got) != 2 {
		t.Fatalf("wrong number of presences: want=2, got=%d", len(got))
	}
	for _, p := range got {
		if p.Show != "away" || p.Text != "brewing" {
			t.Errorf("wrong presence: show=%q status=%q", p.Show, p.Text)
		}
	}
}

func TestMultiSession(t *testing.T) {
	ctx := context.Background()
	svc, rec := newService()
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	rec.Take()

	occ := join(t, svc, crone2, "firstwitch")
	if len(occ.Sessions) != 2 {
		t.Fatalf("wrong number of sessions: want=2, got=%d", len(occ.Sessions))
	}
	for _, d := range rec.Take() {
		if !d.To.Equal(crone2) {
			t.Errorf("attaching a session delivered to %v", d.To)
		}
	}

	err := svc.SendGroupMessage(ctx, hag, roomAddr, room.GroupMessage{Body: "Thrice"})
	if err != nil {
		t.Fatalf("error sending message: %v", err)
	}
	got := rec.Take()
	if n := len(mucdtest.To(got, crone)) + len(mucdtest.To(got, crone2)); n != 2 {
		t.Errorf("every session should receive messages: want=2, got=%d", n)
	}

	err = svc.Leave(ctx, roomAddr, crone2, "")
	if err != nil {
		t.Fatalf("error leaving: %v", err)
	}
	got = rec.Take()
	if len(got) != 1 || !got[0].To.Equal(crone2) {
		t.Fatalf("leaving with one session should only notify that session: %v", got)
	}
	if _, ok := snapshot(t, svc).Occupant("firstwitch"); !ok {
		t.Errorf("occupant left with a remaining session")
	}
}

func TestMultipleNicks(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.MultiSession = true
	svc, _ := newService(room.Defaults(cfg))
	join(t, svc, crone, "firstwitch")
	join(t, svc, crone2, "anotherwitch")
	if n := len(snapshot(t, svc).Occupants); n != 2 {
		t.Errorf("wrong number of occupants: want=2, got=%d", n)
	}
}
