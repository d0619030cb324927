// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package redisvcard stores room avatars in Redis.
//
// Each avatar is a hash with "type" and "data" fields stored under the key
// prefix followed by the bare room address.
package redisvcard // import "mellium.im/mucd/vcard/redisvcard"

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/vcard"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "mucd:avatar:"

const (
	fieldType = "type"
	fieldData = "data"
)

// Store is a vcard.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ vcard.Store = (*Store)(nil)

// Dial parses a redis:// URL, connects, and pings the server.
func Dial(ctx context.Context, url, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisvcard: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		/* #nosec */
		_ = c.Close()
		return nil, fmt.Errorf("redisvcard: ping: %w", err)
	}
	return New(c, prefix), nil
}

// New returns a store using an existing client.
// If prefix is empty DefaultPrefix is used.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(room jid.JID) string {
	return s.prefix + room.Bare().String()
}

// Get implements vcard.Store.
func (s *Store) Get(ctx context.Context, room jid.JID) (vcard.Avatar, error) {
	res, err := s.client.HGetAll(ctx, s.key(room)).Result()
	if err != nil {
		return vcard.Avatar{}, fmt.Errorf("redisvcard: get %s: %w", room, err)
	}
	data, ok := res[fieldData]
	if !ok || data == "" {
		return vcard.Avatar{}, vcard.ErrNotFound
	}
	return vcard.Avatar{Type: res[fieldType], Data: []byte(data)}, nil
}

// Put implements vcard.Store.
func (s *Store) Put(ctx context.Context, room jid.JID, a vcard.Avatar) error {
	err := s.client.HSet(ctx, s.key(room), fieldType, a.Type, fieldData, a.Data).Err()
	if err != nil {
		return fmt.Errorf("redisvcard: put %s: %w", room, err)
	}
	return nil
}

// Delete implements vcard.Store.
func (s *Store) Delete(ctx context.Context, room jid.JID) error {
	err := s.client.Del(ctx, s.key(room)).Err()
	if err != nil {
		return fmt.Errorf("redisvcard: delete %s: %w", room, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
