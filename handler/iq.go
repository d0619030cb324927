// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package handler

import (
	"context"
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
	"mellium.im/mucd/vcard"
)

const (
	nsAdmin = muc.NSAdmin
	nsOwner = muc.NSOwner
)

type adminItem struct {
	Affiliation string  `xml:"affiliation,attr"`
	Role        string  `xml:"role,attr"`
	JID         jid.JID `xml:"jid,attr"`
	Nick        string  `xml:"nick,attr"`
	Reason      string  `xml:"reason"`
}

// change converts a request item into a room change.
// Items naming an affiliation change affiliations, all others change roles.
func (i adminItem) change() (room.Change, error) {
	c := room.Change{
		JID:    i.JID,
		Nick:   i.Nick,
		Reason: i.Reason,
	}
	switch {
	case i.Affiliation != "":
		a, err := perm.ParseAffiliation(i.Affiliation)
		if err != nil {
			return c, badRequest()
		}
		if i.JID.Equal(jid.JID{}) && i.Nick == "" {
			return c, badRequest()
		}
		c.Kind = room.ChangeAffiliation
		c.Affiliation = a
	case i.Role != "":
		ro, err := perm.ParseRole(i.Role)
		if err != nil || i.Nick == "" {
			return c, badRequest()
		}
		c.Kind = room.ChangeRole
		c.Role = ro
	default:
		return c, badRequest()
	}
	return c, nil
}

type adminQuery struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc#admin query"`
	Items   []adminItem `xml:"item"`
}

func itemsQuery(space string, items []room.Item) xml.TokenReader {
	readers := make([]xml.TokenReader, 0, len(items))
	for _, item := range items {
		readers = append(readers, item.TokenReader())
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(readers...),
		xml.StartElement{Name: xml.Name{Space: space, Local: "query"}},
	)
}

func (h *Handler) handleAdmin(ctx context.Context, iq stanza.IQ, d *xml.Decoder, start *xml.StartElement) (xml.TokenReader, error) {
	var q adminQuery
	err := d.DecodeElement(&q, start)
	if err != nil || len(q.Items) == 0 {
		return nil, badRequest()
	}
	roomAddr := iq.To.Bare()

	if iq.Type == stanza.GetIQ {
		if len(q.Items) != 1 {
			return nil, badRequest()
		}
		var items []room.Item
		switch item := q.Items[0]; {
		case item.Affiliation != "":
			a, err := perm.ParseAffiliation(item.Affiliation)
			if err != nil {
				return nil, badRequest()
			}
			items, err = h.svc.ListAffiliation(ctx, iq.From, roomAddr, a)
			if err != nil {
				return nil, err
			}
		case item.Role != "":
			ro, err := perm.ParseRole(item.Role)
			if err != nil {
				return nil, badRequest()
			}
			items, err = h.svc.ListRole(ctx, iq.From, roomAddr, ro)
			if err != nil {
				return nil, err
			}
		default:
			return nil, badRequest()
		}
		return itemsQuery(nsAdmin, items), nil
	}

	changes := make([]room.Change, 0, len(q.Items))
	for _, item := range q.Items {
		c, err := item.change()
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	err = h.svc.ApplyAdmin(ctx, iq.From, roomAddr, changes)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

type destroyRequest struct {
	JID      jid.JID `xml:"jid,attr"`
	Reason   string  `xml:"reason"`
	Password string  `xml:"password"`
}

type ownerQuery struct {
	XMLName xml.Name        `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    *submission     `xml:"jabber:x:data x"`
	Destroy *destroyRequest `xml:"destroy"`
}

func (h *Handler) handleOwner(ctx context.Context, iq stanza.IQ, d *xml.Decoder, start *xml.StartElement) (xml.TokenReader, error) {
	var q ownerQuery
	err := d.DecodeElement(&q, start)
	if err != nil {
		return nil, badRequest()
	}
	roomAddr := iq.To.Bare()

	if iq.Type == stanza.GetIQ {
		cfg, err := h.svc.GetConfig(ctx, iq.From, roomAddr)
		if err != nil {
			return nil, err
		}
		return xmlstream.Wrap(
			configForm(roomAddr, cfg).TokenReader(),
			xml.StartElement{Name: xml.Name{Space: nsOwner, Local: "query"}},
		), nil
	}

	switch {
	case q.Destroy != nil:
		return nil, h.svc.Destroy(ctx, iq.From, roomAddr, room.Destroy{
			JID:      q.Destroy.JID,
			Reason:   q.Destroy.Reason,
			Password: q.Destroy.Password,
		})
	case q.Form == nil:
		return nil, badRequest()
	case q.Form.Type == form.TypeCancel:
		_, err := h.svc.GetConfig(ctx, iq.From, roomAddr)
		if err != nil {
			return nil, err
		}
		r, ok := h.svc.Room(roomAddr)
		if ok && r.Snapshot().Locked {
			// Cancelling the initial configuration abandons the room.
			return nil, h.svc.Destroy(ctx, iq.From, roomAddr, room.Destroy{})
		}
		return nil, nil
	case q.Form.Type == form.TypeSubmit:
		cfg, err := h.svc.GetConfig(ctx, iq.From, roomAddr)
		if err != nil {
			return nil, err
		}
		cfg, err = q.Form.config(cfg)
		if err != nil {
			return nil, err
		}
		return nil, h.svc.SetConfig(ctx, iq.From, roomAddr, cfg)
	}
	return nil, badRequest()
}

func (h *Handler) handleVCard(ctx context.Context, iq stanza.IQ, d *xml.Decoder, start *xml.StartElement) (xml.TokenReader, error) {
	var v vcard.VCard
	err := d.DecodeElement(&v, start)
	if err != nil {
		return nil, badRequest()
	}
	roomAddr := iq.To.Bare()

	if iq.Type == stanza.GetIQ {
		a, err := h.svc.GetAvatar(ctx, roomAddr)
		if err != nil {
			return nil, err
		}
		return vcard.VCard{Avatar: a}.TokenReader(), nil
	}
	return nil, h.svc.SetAvatar(ctx, iq.From, roomAddr, v.Avatar)
}
