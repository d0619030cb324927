// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package handler

import (
	"context"
	"encoding/xml"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/mucd/room"
)

// Sender is the subset of an XMPP session used to send stanzas.
// It is implemented by *xmpp.Session.
type Sender interface {
	Send(ctx context.Context, r xml.TokenReader) error
}

// Outbox is a room.Deliverer that queues stanzas and sends them from a
// separate goroutine.
//
// Rooms deliver while handling a stanza read from the same session they
// deliver to, so sending synchronously could block on the session.
// The queue is unbounded and preserves the order of deliveries.
type Outbox struct {
	s   Sender
	log logrus.FieldLogger

	mu     sync.Mutex
	queue  []room.Delivery
	notify chan struct{}
}

// NewOutbox returns an outbox that sends through s.
// Run must be called for anything to be sent.
func NewOutbox(s Sender, log logrus.FieldLogger) *Outbox {
	return &Outbox{
		s:      s,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

// Deliver queues d.
// It never blocks and never fails.
func (o *Outbox) Deliver(_ context.Context, d room.Delivery) error {
	o.mu.Lock()
	o.queue = append(o.queue, d)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued deliveries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) pop() []room.Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue
	o.queue = nil
	return q
}

// Run sends queued deliveries until ctx is canceled.
// Failed sends are logged and dropped.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		for _, d := range o.pop() {
			err := o.s.Send(ctx, d.Stanza.TokenReader())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.log.WithField("to", d.To).WithError(err).Warn("send failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.notify:
		}
	}
}
