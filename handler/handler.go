// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package handler decodes stanzas addressed to rooms and dispatches them to a
// room service.
//
// Stanzas are routed with a mux.ServeMux: IQs by type and payload, messages
// and presences by type.
//
// A Handler only translates between the wire format and room operations.
// Replies to the sender of a request (errors and IQ results) are written to
// the stream the request was read from; everything the rooms broadcast is
// sent through the rooms Deliverer, normally an Outbox.
package handler // import "mellium.im/mucd/handler"

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/room"
	"mellium.im/mucd/vcard"
)

// Option configures a Handler.
type Option func(*Handler)

// Logger sets the logger used for unexpected failures.
func Logger(l logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// Timeout bounds the time spent handling a single stanza.
// The default is 30 seconds.
func Timeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// Handler is an xmpp.Handler that serves the rooms of a room.Service.
type Handler struct {
	svc     *room.Service
	log     logrus.FieldLogger
	timeout time.Duration
}

// New returns a handler for the rooms hosted by svc.
func New(svc *room.Service, opts ...Option) *Handler {
	discard := logrus.New()
	discard.Out = io.Discard
	h := &Handler{
		svc:     svc,
		log:     discard,
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleXMPP satisfies the xmpp.Handler interface.
//
// Errors caused by the request are reported to the sender and are not
// returned; only failures to write to t are.
func (h *Handler) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	req := &request{Handler: h, ctx: ctx}
	err := req.routes().HandleXMPP(t, start)
	if req.err != nil {
		return req.err
	}
	if err == nil {
		return nil
	}

	// The router fails on stanzas it cannot route, such as an IQ without a
	// payload.
	h.log.WithError(err).Debug("malformed stanza")
	if start.Name.Local != "iq" {
		return nil
	}
	iq, e := stanza.NewIQ(*start)
	if e != nil || (iq.Type != stanza.GetIQ && iq.Type != stanza.SetIQ) {
		return nil
	}
	return h.iqReply(t, iq, nil, badRequest(), logrus.Fields{"room": iq.To.Bare(), "op": "iq", "from": iq.From})
}

// request routes a single stanza.
// The router calls presence and message handlers once for every child
// element, so only the first call acts on the stanza.
type request struct {
	*Handler
	ctx     context.Context
	handled bool
	err     error
}

func (r *request) routes() *mux.ServeMux {
	admin := r.iq("admin", r.handleAdmin)
	owner := r.iq("owner", r.handleOwner)
	vCard := r.iq("vcard", r.handleVCard)
	adminQuery := xml.Name{Space: muc.NSAdmin, Local: "query"}
	ownerQuery := xml.Name{Space: muc.NSOwner, Local: "query"}
	vCardName := xml.Name{Space: vcard.NS, Local: "vCard"}

	return mux.New("",
		mux.IQFunc(stanza.GetIQ, adminQuery, admin),
		mux.IQFunc(stanza.SetIQ, adminQuery, admin),
		mux.IQFunc(stanza.GetIQ, ownerQuery, owner),
		mux.IQFunc(stanza.SetIQ, ownerQuery, owner),
		mux.IQFunc(stanza.GetIQ, vCardName, vCard),
		mux.IQFunc(stanza.SetIQ, vCardName, vCard),
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, r.presence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, r.presence),
		mux.PresenceFunc(stanza.ErrorPresence, xml.Name{}, r.presence),
		mux.MessageFunc(stanza.NormalMessage, xml.Name{}, r.message),
		mux.MessageFunc(stanza.ChatMessage, xml.Name{}, r.message),
		mux.MessageFunc(stanza.GroupChatMessage, xml.Name{}, r.message),
		mux.MessageFunc(stanza.HeadlineMessage, xml.Name{}, r.message),
	)
}

func (r *request) presence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	if r.handled {
		return nil
	}
	r.handled = true
	r.err = r.handlePresence(r.ctx, p, t)
	return nil
}

func (r *request) message(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	if r.handled {
		return nil
	}
	r.handled = true
	r.err = r.handleMessage(r.ctx, m, t)
	return nil
}

type iqFunc func(ctx context.Context, iq stanza.IQ, d *xml.Decoder, start *xml.StartElement) (xml.TokenReader, error)

// iq adapts an IQ payload handler to the router.
// The payload must be addressed to a room, not to an occupant.
func (r *request) iq(op string, f iqFunc) mux.IQHandlerFunc {
	return func(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		fields := logrus.Fields{"room": iq.To.Bare(), "op": op, "from": iq.From}
		var payload xml.TokenReader
		var err error
		if iq.To.Localpart() == "" || iq.To.Resourcepart() != "" {
			err = noRoom()
		} else {
			payload, err = f(r.ctx, iq, xml.NewTokenDecoder(t), start)
		}
		r.err = r.iqReply(t, iq, payload, err, fields)
		return nil
	}
}

// decode reads the stanza from t into v.
// The router replays stanzas from their start element.
func decode(t xml.TokenReader, v interface{}) error {
	return xml.NewTokenDecoder(t).Decode(v)
}

// stanzaError converts err into the error reported to the sender.
// Errors that are not stanza errors are logged and hidden behind an
// internal-server-error.
func (h *Handler) stanzaError(err error, fields logrus.Fields) stanza.Error {
	var se stanza.Error
	if errors.As(err, &se) {
		if se.Type == "" {
			se.Type = stanza.Cancel
		}
		return se
	}
	h.log.WithFields(fields).WithError(err).Error("request failed")
	return stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}
}

func badRequest() stanza.Error {
	return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
}

// noRoom is the error for requests that no room answers.
func noRoom() stanza.Error {
	return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
}

type historyRequest struct {
	MaxStanzas *int `xml:"maxstanzas,attr"`
}

type joinRequest struct {
	Password string          `xml:"password"`
	History  *historyRequest `xml:"history"`
}

type presencePayload struct {
	XMLName xml.Name
	Show    string       `xml:"show"`
	Status  string       `xml:"status"`
	MUC     *joinRequest `xml:"http://jabber.org/protocol/muc x"`
}

func (h *Handler) handlePresence(ctx context.Context, p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	var payload presencePayload
	err := decode(t, &payload)
	if err != nil {
		return h.presenceError(t, p, badRequest())
	}

	roomAddr := p.To.Bare()
	fields := logrus.Fields{"room": roomAddr, "op": "presence", "from": p.From}
	if roomAddr.Localpart() == "" {
		if p.Type == stanza.AvailablePresence {
			return h.presenceError(t, p, noRoom())
		}
		return nil
	}

	switch p.Type {
	case stanza.UnavailablePresence:
		err = h.svc.Leave(ctx, roomAddr, p.From, payload.Status)
		if err != nil {
			h.log.WithFields(fields).WithError(err).Debug("leave ignored")
		}
		return nil
	case stanza.ErrorPresence:
		// A bounced presence means the session is gone.
		err = h.svc.Leave(ctx, roomAddr, p.From, "")
		if err != nil {
			h.log.WithFields(fields).WithError(err).Debug("bounce ignored")
		}
		return nil
	}

	req := room.JoinRequest{
		Room:   roomAddr,
		Nick:   p.To.Resourcepart(),
		From:   p.From,
		Show:   payload.Show,
		Status: payload.Status,
	}
	if payload.MUC != nil {
		req.Password = payload.MUC.Password
		if payload.MUC.History != nil {
			req.MaxStanzas = payload.MUC.History.MaxStanzas
		}
	}
	_, err = h.svc.Join(ctx, req)
	if err != nil {
		return h.presenceError(t, p, h.stanzaError(err, fields))
	}
	return nil
}

func (h *Handler) presenceError(t xmlstream.TokenWriter, p stanza.Presence, se stanza.Error) error {
	_, err := xmlstream.Copy(t, stanza.Presence{
		ID:   p.ID,
		To:   p.From,
		From: p.To,
		Type: stanza.ErrorPresence,
	}.Wrap(xmlstream.MultiReader(
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: muc.NS, Local: "x"}}),
		se.TokenReader(),
	)))
	return err
}

type messagePayload struct {
	XMLName xml.Name
	Body    string          `xml:"body"`
	Subject *string         `xml:"subject"`
	User    *muc.Invitation `xml:"http://jabber.org/protocol/muc#user x"`
}

func (h *Handler) handleMessage(ctx context.Context, m stanza.Message, t xmlstream.TokenReadEncoder) error {
	var payload messagePayload
	err := decode(t, &payload)
	if err != nil {
		return h.messageError(t, m, badRequest())
	}

	roomAddr := m.To.Bare()
	nick := m.To.Resourcepart()
	fields := logrus.Fields{"room": roomAddr, "op": "message", "from": m.From}

	switch {
	case roomAddr.Localpart() == "":
		err = noRoom()
	case nick != "":
		err = h.svc.RelayPrivate(ctx, m.From, roomAddr, nick, room.PrivateMessage{
			ID:   m.ID,
			Type: m.Type,
			Body: payload.Body,
		})
	case m.Type == stanza.GroupChatMessage && payload.Subject != nil && payload.Body == "":
		err = h.svc.ChangeSubject(ctx, m.From, roomAddr, *payload.Subject)
	case m.Type == stanza.GroupChatMessage:
		if payload.Body == "" {
			return nil
		}
		err = h.svc.SendGroupMessage(ctx, m.From, roomAddr, room.GroupMessage{
			ID:   m.ID,
			Body: payload.Body,
		})
	case payload.User != nil && !payload.User.JID.Equal(jid.JID{}):
		inv := payload.User
		err = h.svc.Invite(ctx, m.From, roomAddr, room.InviteRequest{
			To:       inv.JID,
			Reason:   inv.Reason,
			Thread:   inv.Thread,
			Continue: inv.Continue,
		})
	default:
		err = stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	}
	if err != nil {
		return h.messageError(t, m, h.stanzaError(err, fields))
	}
	return nil
}

func (h *Handler) messageError(t xmlstream.TokenWriter, m stanza.Message, se stanza.Error) error {
	_, err := xmlstream.Copy(t, stanza.Message{
		ID:   m.ID,
		To:   m.From,
		From: m.To,
		Type: stanza.ErrorMessage,
	}.Wrap(se.TokenReader()))
	return err
}

// iqReply writes a result or error reply to iq.
func (h *Handler) iqReply(t xmlstream.TokenWriter, iq stanza.IQ, payload xml.TokenReader, err error, fields logrus.Fields) error {
	reply := stanza.IQ{
		ID:   iq.ID,
		To:   iq.From,
		From: iq.To,
		Type: stanza.ResultIQ,
	}
	if err != nil {
		reply.Type = stanza.ErrorIQ
		payload = h.stanzaError(err, fields).TokenReader()
	}
	_, err = xmlstream.Copy(t, reply.Wrap(payload))
	return err
}
