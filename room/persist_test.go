// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
	"mellium.im/mucd/store"
)

var errStoreDown = errors.New("store down")

// failingStore fails every write while fail is set.
type failingStore struct {
	store.Memory

	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	return nil
}

func (s *failingStore) SaveRoom(ctx context.Context, r room.Record) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Memory.SaveRoom(ctx, r)
}

func (s *failingStore) SetAffiliations(ctx context.Context, j jid.JID, recs []room.AffiliationRecord) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Memory.SetAffiliations(ctx, j, recs)
}

func (s *failingStore) DeleteRoom(ctx context.Context, j jid.JID) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Memory.DeleteRoom(ctx, j)
}

func persistentConfig() room.Config {
	cfg := room.DefaultConfig
	cfg.Persistent = true
	cfg.Name = "The Coven"
	return cfg
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	st := &store.Memory{}
	svc, _ := newService(room.Persist(st))
	_, err := svc.Create(ctx, roomAddr, crone, persistentConfig())
	if err != nil {
		t.Fatalf("error creating room: %v", err)
	}
	if _, ok := st.Room(roomAddr); !ok {
		t.Fatalf("persistent room was not stored on creation")
	}

	join(t, svc, crone, "firstwitch")
	err = svc.ApplyAdmin(ctx, crone, roomAddr, []room.Change{{
		Kind:        room.ChangeAffiliation,
		JID:         hag.Bare(),
		Nick:        "thirdwitch",
		Affiliation: perm.AffiliationMember,
	}})
	if err != nil {
		t.Fatalf("error setting affiliation: %v", err)
	}
	err = svc.ChangeSubject(ctx, crone, roomAddr, "Fire Burn and Cauldron Bubble!")
	if err != nil {
		t.Fatalf("error setting subject: %v", err)
	}

	loaded, _ := newService(room.Persist(st))
	err = loaded.Load(ctx)
	if err != nil {
		t.Fatalf("error loading rooms: %v", err)
	}
	r, ok := loaded.Room(roomAddr)
	if !ok {
		t.Fatalf("persistent room was not loaded")
	}
	snap := r.Snapshot()
	if snap.Config.Name != "The Coven" || snap.Subject != "Fire Burn and Cauldron Bubble!" {
		t.Errorf("wrong loaded room: %+v", snap)
	}
	if a := snap.Affiliation(hag); a != perm.AffiliationMember {
		t.Errorf("wrong loaded affiliation: want=%v, got=%v", perm.AffiliationMember, a)
	}
	if len(snap.Occupants) != 0 {
		t.Errorf("occupants should not be persisted: %v", snap.Occupants)
	}

	_, err = loaded.Join(ctx, room.JoinRequest{Room: roomAddr, Nick: "thirdwitch", From: wiccarocks})
	if c := condition(err); c != stanza.Conflict {
		t.Errorf("reserved nick should survive a restart: got=%v", err)
	}
}

func reload(t *testing.T, st room.Store) *room.Snapshot {
	t.Helper()
	svc, _ := newService(room.Persist(st))
	err := svc.Load(context.Background())
	if err != nil {
		t.Fatalf("error loading rooms: %v", err)
	}
	return snapshot(t, svc)
}

var joinCreatedTests = [...]struct {
	name string
	lock bool
}{
	0: {name: "unlocked"},
	1: {name: "locked", lock: true},
}

func TestJoinCreatedRoomSurvivesRestart(t *testing.T) {
	for _, tc := range joinCreatedTests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := persistentConfig()
			cfg.MembersOnly = true
			st := &store.Memory{}
			svc, _ := newService(room.Persist(st), room.Defaults(cfg), room.LockNewRooms(tc.lock))
			join(t, svc, crone, "firstwitch")
			if _, ok := st.Room(roomAddr); ok == tc.lock {
				t.Errorf("wrong stored state after creation: want=%t, got=%t", !tc.lock, ok)
			}
			setAffiliation(t, svc, crone, hag, perm.AffiliationMember)

			snap := reload(t, st)
			if a := snap.Affiliation(crone); a != perm.AffiliationOwner {
				t.Errorf("wrong owner after restart: want=%v, got=%v", perm.AffiliationOwner, a)
			}
			if a := snap.Affiliation(hag); a != perm.AffiliationMember {
				t.Errorf("wrong member after restart: want=%v, got=%v", perm.AffiliationMember, a)
			}
			if !snap.Config.MembersOnly || snap.Config.Name != cfg.Name {
				t.Errorf("room configuration lost on restart: %+v", snap.Config)
			}
		})
	}
}

func TestFirstWriteRemovesRevoked(t *testing.T) {
	st := &store.Memory{}
	svc, _ := newService(room.Persist(st), room.Defaults(persistentConfig()), room.LockNewRooms(true))
	join(t, svc, crone, "firstwitch")
	err := svc.ApplyAdmin(context.Background(), crone, roomAddr, []room.Change{
		{Kind: room.ChangeAffiliation, JID: hag.Bare(), Affiliation: perm.AffiliationAdmin},
		{Kind: room.ChangeAffiliation, JID: hag.Bare(), Affiliation: perm.AffiliationNone},
	})
	if err != nil {
		t.Fatalf("error applying changes: %v", err)
	}
	rec, ok := st.Room(roomAddr)
	if !ok {
		t.Fatalf("room was not stored by its first admin change")
	}
	if len(rec.Affiliations) != 1 || !rec.Affiliations[0].JID.Equal(crone.Bare()) {
		t.Errorf("wrong stored affiliations: %v", rec.Affiliations)
	}
}

func TestTemporaryRoomNotStored(t *testing.T) {
	ctx := context.Background()
	st := &store.Memory{}
	svc, _ := newService(room.Persist(st))
	join(t, svc, crone, "firstwitch")
	setAffiliation(t, svc, crone, hag, perm.AffiliationMember)
	if recs, _ := st.Load(ctx); len(recs) != 0 {
		t.Errorf("temporary room was stored: %v", recs)
	}

	err := svc.SetConfig(ctx, crone, roomAddr, persistentConfig())
	if err != nil {
		t.Fatalf("error configuring room: %v", err)
	}
	rec, ok := st.Room(roomAddr)
	if !ok {
		t.Fatalf("room made persistent was not stored")
	}
	if len(rec.Affiliations) != 2 {
		t.Errorf("wrong stored affiliations: %v", rec.Affiliations)
	}

	err = svc.SetConfig(ctx, crone, roomAddr, room.DefaultConfig)
	if err != nil {
		t.Fatalf("error configuring room: %v", err)
	}
	if _, ok := st.Room(roomAddr); ok {
		t.Errorf("room made temporary is still stored")
	}
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{}
	svc, rec := newService(room.Persist(st))
	_, err := svc.Create(ctx, roomAddr, crone, persistentConfig())
	if err != nil {
		t.Fatalf("error creating room: %v", err)
	}
	join(t, svc, crone, "firstwitch")
	join(t, svc, hag, "thirdwitch")
	rec.Take()
	before := snapshot(t, svc)

	st.setFail(true)
	err = svc.ApplyAdmin(ctx, crone, roomAddr, []room.Change{{
		Kind:        room.ChangeAffiliation,
		JID:         hag.Bare(),
		Affiliation: perm.AffiliationOutcast,
	}})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("wrong error: want=%v, got=%v", errStoreDown, err)
	}
	after := snapshot(t, svc)
	if after.Version != before.Version {
		t.Errorf("failed write changed the room: version %d, want %d", after.Version, before.Version)
	}
	if _, ok := after.Occupant("thirdwitch"); !ok {
		t.Errorf("failed ban removed the occupant")
	}
	if n := rec.Len(); n != 0 {
		t.Errorf("failed write delivered %d stanzas", n)
	}

	err = svc.ChangeSubject(ctx, crone, roomAddr, "Toil")
	if !errors.Is(err, errStoreDown) {
		t.Errorf("wrong error changing subject: want=%v, got=%v", errStoreDown, err)
	}
	if s := snapshot(t, svc).Subject; s != "" {
		t.Errorf("failed write changed the subject: %q", s)
	}
}

func TestDestroyDeletesRecord(t *testing.T) {
	ctx := context.Background()
	st := &store.Memory{}
	svc, _ := newService(room.Persist(st))
	_, err := svc.Create(ctx, roomAddr, crone, persistentConfig())
	if err != nil {
		t.Fatalf("error creating room: %v", err)
	}
	err = svc.Destroy(ctx, crone, roomAddr, room.Destroy{})
	if err != nil {
		t.Fatalf("error destroying room: %v", err)
	}
	if _, ok := st.Room(roomAddr); ok {
		t.Errorf("destroyed room is still stored")
	}
}

func TestConcurrentJoins(t *testing.T) {
	const n = 32
	svc, rec := newService(room.Persist(&store.Memory{}))
	join(t, svc, crone, "firstwitch")

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := jid.MustParse("witch" + strconv.Itoa(i) + "@shakespeare.lit/cauldron")
			_, err := svc.Join(context.Background(), room.JoinRequest{
				Room: roomAddr,
				Nick: from.Localpart(),
				From: from,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("error joining: %v", err)
		}
	}

	snap := snapshot(t, svc)
	if len(snap.Occupants) != n+1 {
		t.Fatalf("wrong number of occupants: want=%d, got=%d", n+1, len(snap.Occupants))
	}

	// Every occupant must have been announced to everyone that joined before
	// it, and to nobody twice.
	seen := make(map[string]map[string]int)
	for _, d := range rec.Take() {
		p, ok := d.Stanza.(room.Presence)
		if !ok {
			continue
		}
		to := d.To.String()
		if seen[to] == nil {
			seen[to] = make(map[string]int)
		}
		seen[to][p.From.String()]++
	}
	for _, o := range snap.Occupants {
		got := seen[o.Sessions[0].String()]
		if len(got) != n+1 {
			t.Errorf("%s saw %d occupants, want %d", o.Nick, len(got), n+1)
		}
		for from, count := range got {
			if count != 1 {
				t.Errorf("%s saw %s %d times", o.Nick, from, count)
			}
		}
	}
}
