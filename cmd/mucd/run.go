// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/handler"
	"mellium.im/mucd/internal/config"
	"mellium.im/mucd/room"
	"mellium.im/mucd/store"
	"mellium.im/mucd/store/pgstore"
	"mellium.im/mucd/vcard"
	"mellium.im/mucd/vcard/redisvcard"
)

// openStores returns the room and avatar stores named by cfg and a function
// that releases them.
func openStores(ctx context.Context, cfg *config.Config) (room.Store, vcard.Store, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var rooms room.Store
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.Open(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, pg.Close)
		rooms = pg
	default:
		rooms = &store.Memory{}
	}

	var avatars vcard.Store
	switch cfg.Avatars.Driver {
	case config.DriverRedis:
		rs, err := redisvcard.Dial(ctx, cfg.Avatars.Redis, cfg.Avatars.Prefix)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() {
			/* #nosec */
			rs.Close()
		})
		avatars = rs
	case config.DriverMemory:
		avatars = &vcard.Memory{}
	}
	return rooms, avatars, closeAll, nil
}

// run connects to the server and serves rooms until ctx is canceled or the
// connection is lost.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	domain, err := jid.Parse(cfg.Component.Domain)
	if err != nil {
		return fmt.Errorf("parsing domain: %w", err)
	}
	subject, err := cfg.Subject()
	if err != nil {
		return err
	}

	rooms, avatars, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Component.Server)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Component.Server, err)
	}
	session, err := component.NewSession(ctx, domain, []byte(cfg.Component.Secret), conn)
	if err != nil {
		/* #nosec */
		conn.Close()
		return fmt.Errorf("establishing component session: %w", err)
	}
	log := logger.WithField("domain", domain)
	log.WithField("server", cfg.Component.Server).Info("connected")

	outbox := handler.NewOutbox(session, log)
	opts := []room.Option{
		room.Persist(rooms),
		room.Deliver(outbox),
		room.Logger(log),
		room.Subject(subject),
		room.Defaults(cfg.Defaults),
		room.LockNewRooms(cfg.LockNewRooms),
		room.AllowCreate(func(requester jid.JID) bool {
			// Rooms are only created for users of other services.
			return !requester.Domain().Equal(domain)
		}),
	}
	if avatars != nil {
		opts = append(opts, room.Avatars(avatars, vcard.Validator{
			Types:    cfg.Avatars.Types,
			MaxBytes: cfg.Avatars.MaxBytes,
		}))
	}
	svc := room.New(opts...)
	if err = svc.Load(ctx); err != nil {
		/* #nosec */
		session.Close()
		return fmt.Errorf("loading rooms: %w", err)
	}
	log.WithField("rooms", len(svc.Rooms())).Info("rooms loaded")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return outbox.Run(gctx)
	})
	g.Go(func() error {
		err := session.Serve(handler.New(svc, handler.Logger(log)))
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return errors.New("connection closed by server")
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("closing session")
		/* #nosec */
		session.Close()
		/* #nosec */
		session.Conn().Close()
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
