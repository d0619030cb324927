// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package handler

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
)

const nsRoomConfig = "http://jabber.org/protocol/muc#roomconfig"

// Room configuration form fields.
const (
	fieldName          = "muc#roomconfig_roomname"
	fieldDesc          = "muc#roomconfig_roomdesc"
	fieldPublic        = "muc#roomconfig_publicroom"
	fieldPersistent    = "muc#roomconfig_persistentroom"
	fieldMembersOnly   = "muc#roomconfig_membersonly"
	fieldModerated     = "muc#roomconfig_moderatedroom"
	fieldLogging       = "muc#roomconfig_enablelogging"
	fieldWhois         = "muc#roomconfig_whois"
	fieldAllowPM       = "muc#roomconfig_allowpm"
	fieldChangeSubject = "muc#roomconfig_changesubject"
	fieldAllowInvites  = "muc#roomconfig_allowinvites"
	fieldPasswordProt  = "muc#roomconfig_passwordprotectedroom"
	fieldSecret        = "muc#roomconfig_roomsecret"
	fieldMaxHistory    = "muc#maxhistoryfetch"
	fieldMultiSession  = "x-mucd#multisession"
)

// whois values.
// Fully anonymous rooms are not part of the registered form values and are
// reported as "none".
var whois = map[room.Anonymity]string{
	room.SemiAnonymous:  "moderators",
	room.NonAnonymous:   "anyone",
	room.FullyAnonymous: "none",
}

// submission is a data form sent by a client.
// The type of the form is not exposed by form.Data once parsed.
type submission struct {
	Type form.Type
	Data form.Data
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for *submission.
func (s *submission) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			s.Type = form.Type(attr.Value)
			break
		}
	}
	return s.Data.UnmarshalXML(d, start)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, badRequest()
}

// config applies a submitted form to cfg.
// Fields that are not submitted keep their current value and unknown fields
// are ignored.
// Submissions usually omit field types so values are read as they appear on
// the wire.
func (s *submission) config(cfg room.Config) (room.Config, error) {
	protected := cfg.Password != ""
	var err error
	s.Data.ForFields(func(f form.FieldData) {
		if err != nil {
			return
		}
		var v string
		if len(f.Raw) > 0 {
			v = f.Raw[0]
		}
		switch f.Var {
		case fieldName:
			cfg.Name = v
		case fieldDesc:
			cfg.Description = v
		case fieldPublic:
			cfg.Public, err = parseBool(v)
		case fieldPersistent:
			cfg.Persistent, err = parseBool(v)
		case fieldMembersOnly:
			cfg.MembersOnly, err = parseBool(v)
		case fieldModerated:
			cfg.Moderated, err = parseBool(v)
		case fieldLogging:
			cfg.Logged, err = parseBool(v)
		case fieldChangeSubject:
			cfg.ChangeSubject, err = parseBool(v)
		case fieldAllowInvites:
			cfg.MembersMayInvite, err = parseBool(v)
		case fieldMultiSession:
			cfg.MultiSession, err = parseBool(v)
		case fieldPasswordProt:
			protected, err = parseBool(v)
		case fieldSecret:
			cfg.Password = v
		case fieldWhois:
			err = badRequest()
			for a, name := range whois {
				if name == v {
					cfg.Anonymity = a
					err = nil
				}
			}
		case fieldAllowPM:
			cfg.AllowPM, err = perm.ParseAudience(v)
			if err != nil {
				err = badRequest()
			}
		case fieldMaxHistory:
			cfg.MaxHistory, err = strconv.Atoi(v)
			if err != nil || cfg.MaxHistory < 0 {
				err = badRequest()
			}
		}
	})
	if err != nil {
		return cfg, err
	}
	if !protected {
		cfg.Password = ""
	} else if cfg.Password == "" {
		return cfg, stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	}
	return cfg, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func boolField(id, label string, b bool) form.Field {
	return form.Boolean(id, form.Label(label), form.Value(formatBool(b)))
}

// configForm returns the room configuration form for cfg.
func configForm(roomAddr jid.JID, cfg room.Config) *form.Data {
	whoisOpts := []form.Option{form.Label("Who May Discover Real JIDs?"), form.Value(whois[cfg.Anonymity])}
	for _, a := range []room.Anonymity{room.SemiAnonymous, room.NonAnonymous, room.FullyAnonymous} {
		whoisOpts = append(whoisOpts, form.ListItem(whois[a], whois[a]))
	}
	pmOpts := []form.Option{form.Label("Who May Send Private Messages?"), form.Value(cfg.AllowPM.String())}
	for _, a := range []perm.Audience{perm.AudienceAnyone, perm.AudienceParticipants, perm.AudienceModerators, perm.AudienceNobody} {
		pmOpts = append(pmOpts, form.ListItem(a.String(), a.String()))
	}

	return form.New(
		form.Title("Configuration for "+roomAddr.String()),
		form.Hidden("FORM_TYPE", form.Value(nsRoomConfig)),
		form.Text(fieldName, form.Label("Natural-Language Room Name"), form.Value(cfg.Name)),
		form.Text(fieldDesc, form.Label("Short Description of Room"), form.Value(cfg.Description)),
		boolField(fieldPublic, "Make Room Publicly Searchable?", cfg.Public),
		boolField(fieldPersistent, "Make Room Persistent?", cfg.Persistent),
		boolField(fieldMembersOnly, "Make Room Members-Only?", cfg.MembersOnly),
		boolField(fieldModerated, "Make Room Moderated?", cfg.Moderated),
		boolField(fieldLogging, "Enable Public Logging?", cfg.Logged),
		boolField(fieldChangeSubject, "Allow Occupants to Change Subject?", cfg.ChangeSubject),
		boolField(fieldAllowInvites, "Allow Occupants to Invite Others?", cfg.MembersMayInvite),
		boolField(fieldMultiSession, "Allow Several Nicknames per User?", cfg.MultiSession),
		boolField(fieldPasswordProt, "Password Required to Enter?", cfg.Password != ""),
		form.TextPrivate(fieldSecret, form.Label("Password"), form.Value(cfg.Password)),
		form.List(fieldWhois, whoisOpts...),
		form.List(fieldAllowPM, pmOpts...),
		form.Text(fieldMaxHistory, form.Label("Maximum Number of History Messages"), form.Value(strconv.Itoa(cfg.MaxHistory))),
	)
}
