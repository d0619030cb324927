// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package pgstore is a room.Store backed by PostgreSQL.
package pgstore // import "mellium.im/mucd/store/pgstore"

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
)

// Schema creates the tables used by the store if they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS mucd_rooms (
	jid     TEXT PRIMARY KEY,
	config  JSONB NOT NULL,
	subject TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS mucd_affiliations (
	room        TEXT NOT NULL REFERENCES mucd_rooms (jid) ON DELETE CASCADE,
	jid         TEXT NOT NULL,
	affiliation TEXT NOT NULL,
	nick        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room, jid)
);`

var _ room.Store = (*Store)(nil)

// Store is a room.Store backed by a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url, checks the connection and creates the
// schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := New(pool)
	if err = s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New returns a store using an existing pool.
// The schema is not created.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("pgstore: create schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Load implements room.Store.
func (s *Store) Load(ctx context.Context) ([]room.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT jid, config, subject FROM mucd_rooms ORDER BY jid`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load rooms: %w", err)
	}
	var recs []room.Record
	index := make(map[string]int)
	for rows.Next() {
		var addr, subject string
		var cfg []byte
		if err = rows.Scan(&addr, &cfg, &subject); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: scan room: %w", err)
		}
		rec := room.Record{Subject: subject}
		rec.JID, err = jid.Parse(addr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: room address %q: %w", addr, err)
		}
		if err = json.Unmarshal(cfg, &rec.Config); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: config of %s: %w", addr, err)
		}
		index[addr] = len(recs)
		recs = append(recs, rec)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: load rooms: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT room, jid, affiliation, nick, reason FROM mucd_affiliations ORDER BY room, jid`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load affiliations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roomAddr, addr, aff string
		var a room.AffiliationRecord
		if err = rows.Scan(&roomAddr, &addr, &aff, &a.Nick, &a.Reason); err != nil {
			return nil, fmt.Errorf("pgstore: scan affiliation: %w", err)
		}
		i, ok := index[roomAddr]
		if !ok {
			continue
		}
		a.JID, err = jid.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("pgstore: affiliated address %q: %w", addr, err)
		}
		a.Affiliation, err = perm.ParseAffiliation(aff)
		if err != nil {
			return nil, fmt.Errorf("pgstore: affiliation of %s in %s: %w", addr, roomAddr, err)
		}
		recs[i].Affiliations = append(recs[i].Affiliations, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: load affiliations: %w", err)
	}
	return recs, nil
}

func queueAffiliations(b *pgx.Batch, roomAddr string, recs []room.AffiliationRecord) {
	for _, a := range recs {
		addr := a.JID.Bare().String()
		if a.Affiliation == perm.AffiliationNone {
			b.Queue(`DELETE FROM mucd_affiliations WHERE room = $1 AND jid = $2`, roomAddr, addr)
			continue
		}
		b.Queue(`INSERT INTO mucd_affiliations (room, jid, affiliation, nick, reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (room, jid) DO UPDATE
			SET affiliation = EXCLUDED.affiliation, nick = EXCLUDED.nick, reason = EXCLUDED.reason`,
			roomAddr, addr, a.Affiliation.String(), a.Nick, a.Reason)
	}
}

// SaveRoom implements room.Store.
func (s *Store) SaveRoom(ctx context.Context, rec room.Record) error {
	addr := rec.JID.Bare().String()
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("pgstore: encode config of %s: %w", addr, err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`INSERT INTO mucd_rooms (jid, config, subject) VALUES ($1, $2, $3)
			ON CONFLICT (jid) DO UPDATE SET config = EXCLUDED.config, subject = EXCLUDED.subject`,
			addr, cfg, rec.Subject)
		b.Queue(`DELETE FROM mucd_affiliations WHERE room = $1`, addr)
		queueAffiliations(b, addr, rec.Affiliations)
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("pgstore: save %s: %w", addr, err)
	}
	return nil
}

// SetAffiliations implements room.Store.
// Setting the affiliations of a room that was never saved creates it with the
// default configuration.
func (s *Store) SetAffiliations(ctx context.Context, j jid.JID, recs []room.AffiliationRecord) error {
	addr := j.Bare().String()
	def := room.DefaultConfig
	def.Persistent = true
	cfg, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("pgstore: encode default config: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`INSERT INTO mucd_rooms (jid, config) VALUES ($1, $2) ON CONFLICT (jid) DO NOTHING`, addr, cfg)
		queueAffiliations(b, addr, recs)
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("pgstore: set affiliations of %s: %w", addr, err)
	}
	return nil
}

// DeleteRoom implements room.Store.
func (s *Store) DeleteRoom(ctx context.Context, j jid.JID) error {
	addr := j.Bare().String()
	_, err := s.pool.Exec(ctx, `DELETE FROM mucd_rooms WHERE jid = $1`, addr)
	if err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", addr, err)
	}
	return nil
}
