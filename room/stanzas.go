// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/vcard"
)

// Status is a muc#user status code.
type Status uint16

// A list of status codes sent by rooms.
const (
	StatusRealJIDVisible     Status = 100
	StatusConfigChanged      Status = 104
	StatusSelf               Status = 110
	StatusLogging            Status = 170
	StatusNotLogging         Status = 171
	StatusNonAnonymous       Status = 172
	StatusSemiAnonymous      Status = 173
	StatusFullyAnonymous     Status = 174
	StatusCreated            Status = 201
	StatusNickModified       Status = 210
	StatusBanned             Status = 301
	StatusNickChanged        Status = 303
	StatusKicked             Status = 307
	StatusAffiliationChanged Status = 321
	StatusMembersOnly        Status = 322
)

// TokenReader satisfies the xmlstream.Marshaler interface.
func (s Status) TokenReader() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "status"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "code"}, Value: strconv.Itoa(int(s))}},
	})
}

// multiReader is like xmlstream.MultiReader except that nil readers are
// skipped.
func multiReader(readers ...xml.TokenReader) xml.TokenReader {
	nonNil := make([]xml.TokenReader, 0, len(readers))
	for _, r := range readers {
		if r != nil {
			nonNil = append(nonNil, r)
		}
	}
	return xmlstream.MultiReader(nonNil...)
}

func optionalString(s string, name xml.Name) xml.TokenReader {
	if s == "" {
		return nil
	}
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(s)),
		xml.StartElement{Name: name},
	)
}

// Item describes an occupant or an affiliation list entry.
// It is rendered in the namespace of its parent element.
type Item struct {
	// JID is the real address. It is the zero value when it is hidden from the
	// recipient.
	JID         jid.JID
	Nick        string
	Affiliation perm.Affiliation
	Role        perm.Role
	Reason      string

	// Actor is the nickname of the occupant that caused the change, if any.
	Actor string
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (i Item) TokenReader() xml.TokenReader {
	attr := []xml.Attr{
		{Name: xml.Name{Local: "affiliation"}, Value: i.Affiliation.String()},
		{Name: xml.Name{Local: "role"}, Value: i.Role.String()},
	}
	if !i.JID.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "jid"}, Value: i.JID.String()})
	}
	if i.Nick != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "nick"}, Value: i.Nick})
	}
	var actor xml.TokenReader
	if i.Actor != "" {
		actor = xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "actor"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "nick"}, Value: i.Actor}},
		})
	}
	return xmlstream.Wrap(
		multiReader(
			actor,
			optionalString(i.Reason, xml.Name{Local: "reason"}),
		),
		xml.StartElement{Name: xml.Name{Local: "item"}, Attr: attr},
	)
}

// Destroy is the notice sent to occupants of a destroyed room.
type Destroy struct {
	// JID is an optional alternate venue.
	JID      jid.JID
	Reason   string
	Password string
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (d Destroy) TokenReader() xml.TokenReader {
	var attr []xml.Attr
	if !d.JID.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "jid"}, Value: d.JID.String()})
	}
	return xmlstream.Wrap(
		multiReader(
			optionalString(d.Password, xml.Name{Local: "password"}),
			optionalString(d.Reason, xml.Name{Local: "reason"}),
		),
		xml.StartElement{Name: xml.Name{Local: "destroy"}, Attr: attr},
	)
}

// Presence is a presence stanza sent by a room about one of its occupants.
type Presence struct {
	stanza.Presence

	Item   Item
	Status []Status

	// Show and Text are the occupants availability and status message.
	Show string
	Text string

	Destroy *Destroy
}

// HasStatus reports whether the presence carries status code s.
func (p Presence) HasStatus(s Status) bool {
	for _, code := range p.Status {
		if code == s {
			return true
		}
	}
	return false
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (p Presence) TokenReader() xml.TokenReader {
	inner := []xml.TokenReader{p.Item.TokenReader()}
	for _, s := range p.Status {
		inner = append(inner, s.TokenReader())
	}
	if p.Destroy != nil {
		inner = append(inner, p.Destroy.TokenReader())
	}
	return p.Presence.Wrap(multiReader(
		optionalString(p.Show, xml.Name{Local: "show"}),
		optionalString(p.Text, xml.Name{Local: "status"}),
		xmlstream.Wrap(
			multiReader(inner...),
			xml.StartElement{Name: xml.Name{Space: muc.NSUser, Local: "x"}},
		),
	))
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (p Presence) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, p.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (p Presence) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := p.WriteXML(e)
	return err
}

// AvatarPresence is sent from the bare address of a room to advertise the
// hash of its avatar.
// An empty hash means the room has no avatar.
type AvatarPresence struct {
	stanza.Presence

	Update vcard.Update
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (p AvatarPresence) TokenReader() xml.TokenReader {
	return p.Presence.Wrap(p.Update.TokenReader())
}

// Invite is a mediated invitation forwarded by the room to the invitee.
type Invite struct {
	From     jid.JID
	Reason   string
	Thread   string
	Continue bool
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (i Invite) TokenReader() xml.TokenReader {
	var cont xml.TokenReader
	if i.Continue {
		var attr []xml.Attr
		if i.Thread != "" {
			attr = []xml.Attr{{Name: xml.Name{Local: "thread"}, Value: i.Thread}}
		}
		cont = xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "continue"}, Attr: attr})
	}
	return xmlstream.Wrap(
		multiReader(
			optionalString(i.Reason, xml.Name{Local: "reason"}),
			cont,
		),
		xml.StartElement{
			Name: xml.Name{Local: "invite"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "from"}, Value: i.From.String()}},
		},
	)
}

// Message is a message stanza sent by a room.
type Message struct {
	stanza.Message

	// Subject is non-nil for subject changes, including empty subjects.
	Subject *string
	Body    string
	Delay   *delay.Delay

	// User adds a muc#user element even when there is nothing to put in it.
	// It marks private messages relayed through the room.
	User     bool
	Status   []Status
	Invite   *Invite
	Password string
}

// HasStatus reports whether the message carries status code s.
func (m Message) HasStatus(s Status) bool {
	for _, code := range m.Status {
		if code == s {
			return true
		}
	}
	return false
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (m Message) TokenReader() xml.TokenReader {
	var subject xml.TokenReader
	if m.Subject != nil {
		var text xml.TokenReader
		if *m.Subject != "" {
			text = xmlstream.Token(xml.CharData(*m.Subject))
		}
		subject = xmlstream.Wrap(text, xml.StartElement{Name: xml.Name{Local: "subject"}})
	}
	var x xml.TokenReader
	if m.User || len(m.Status) > 0 || m.Invite != nil {
		var inner []xml.TokenReader
		if m.Invite != nil {
			inner = append(inner, m.Invite.TokenReader())
		}
		inner = append(inner, optionalString(m.Password, xml.Name{Local: "password"}))
		for _, s := range m.Status {
			inner = append(inner, s.TokenReader())
		}
		x = xmlstream.Wrap(
			multiReader(inner...),
			xml.StartElement{Name: xml.Name{Space: muc.NSUser, Local: "x"}},
		)
	}
	var d xml.TokenReader
	if m.Delay != nil {
		d = m.Delay.TokenReader()
	}
	return m.Message.Wrap(multiReader(
		subject,
		optionalString(m.Body, xml.Name{Local: "body"}),
		x,
		d,
	))
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (m Message) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, m.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (m Message) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := m.WriteXML(e)
	return err
}

// Delivery is a stanza addressed to a single recipient.
type Delivery struct {
	To     jid.JID
	Stanza xmlstream.Marshaler
}

// A Deliverer sends stanzas produced by rooms.
//
// Deliveries for a single room are made one at a time in the order the room
// produced them.
// Deliver must not call back into the room that produced the delivery before
// returning.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DelivererFunc is an adapter to allow the use of ordinary functions as
// deliverers.
type DelivererFunc func(context.Context, Delivery) error

// Deliver calls f(ctx, d).
func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}
