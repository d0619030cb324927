// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package perm

import (
	"encoding/xml"
	"errors"
)

// Errors returned when parsing affiliations, roles, and audiences.
var (
	ErrUnknownAffiliation = errors.New("perm: unrecognized affiliation")
	ErrUnknownRole        = errors.New("perm: unrecognized role")
	ErrUnknownAudience    = errors.New("perm: unrecognized audience")
)

// Affiliation indicates a users long lived relationship to the room.
type Affiliation uint8

// A list of room affiliations.
const (
	AffiliationNone Affiliation = iota // none

	// Support for the owner affiliation is required.
	AffiliationOwner // owner

	// Support for these affiliations is recommended, but optional.
	AffiliationAdmin   // admin
	AffiliationMember  // member
	AffiliationOutcast // outcast
)

// ParseAffiliation returns the affiliation with the given name.
func ParseAffiliation(s string) (Affiliation, error) {
	switch s {
	case AffiliationNone.String():
		return AffiliationNone, nil
	case AffiliationOwner.String():
		return AffiliationOwner, nil
	case AffiliationAdmin.String():
		return AffiliationAdmin, nil
	case AffiliationMember.String():
		return AffiliationMember, nil
	case AffiliationOutcast.String():
		return AffiliationOutcast, nil
	}
	return AffiliationNone, ErrUnknownAffiliation
}

// Rank orders affiliations from outcast (lowest) to owner (highest).
func (a Affiliation) Rank() int {
	switch a {
	case AffiliationOwner:
		return 4
	case AffiliationAdmin:
		return 3
	case AffiliationMember:
		return 2
	case AffiliationNone:
		return 1
	}
	return 0
}

// Outranks reports whether a ranks strictly higher than b.
func (a Affiliation) Outranks(b Affiliation) bool {
	return a.Rank() > b.Rank()
}

// IsMember reports whether the affiliation grants entry to a members-only
// room.
func (a Affiliation) IsMember() bool {
	return a.Rank() >= AffiliationMember.Rank()
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (a *Affiliation) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := ParseAffiliation(attr.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (a *Affiliation) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: a.String()}, nil
}

// Role indicates a users session scoped role in the room.
type Role uint8

// A list of user roles.
const (
	RoleNone Role = iota // none

	// Support for these roles is required.
	RoleModerator   // moderator
	RoleParticipant // participant

	// Support for these roles is recommended, but optional.
	RoleVisitor // visitor
)

// ParseRole returns the role with the given name.
func ParseRole(s string) (Role, error) {
	switch s {
	case RoleNone.String():
		return RoleNone, nil
	case RoleModerator.String():
		return RoleModerator, nil
	case RoleParticipant.String():
		return RoleParticipant, nil
	case RoleVisitor.String():
		return RoleVisitor, nil
	}
	return RoleNone, ErrUnknownRole
}

// Rank orders roles from none (lowest) to moderator (highest).
func (r Role) Rank() int {
	switch r {
	case RoleModerator:
		return 3
	case RoleParticipant:
		return 2
	case RoleVisitor:
		return 1
	}
	return 0
}

// Privileges returns the default privileges of the role.
func (r Role) Privileges() Privileges {
	switch r {
	case RoleModerator:
		return PrivilegesModerator
	case RoleParticipant:
		return PrivilegesParticipant
	case RoleVisitor:
		return PrivilegesVisitor
	}
	return 0
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (r *Role) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := ParseRole(attr.Value)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (r *Role) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if r == nil {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: r.String()}, nil
}

// Audience is the set of occupants allowed to do something, for example send
// private messages.
type Audience uint8

// A list of audiences, from most to least permissive.
const (
	AudienceAnyone       Audience = iota // anyone
	AudienceParticipants                 // participants
	AudienceModerators                   // moderators
	AudienceNobody                       // none
)

// ParseAudience returns the audience with the given name.
func ParseAudience(s string) (Audience, error) {
	switch s {
	case AudienceAnyone.String():
		return AudienceAnyone, nil
	case AudienceParticipants.String():
		return AudienceParticipants, nil
	case AudienceModerators.String():
		return AudienceModerators, nil
	case AudienceNobody.String():
		return AudienceNobody, nil
	}
	return AudienceAnyone, ErrUnknownAudience
}

// MarshalText implements encoding.TextMarshaler.
func (a Audience) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Audience) UnmarshalText(text []byte) error {
	aud, err := ParseAudience(string(text))
	if err != nil {
		return err
	}
	*a = aud
	return nil
}

// Includes reports whether an occupant with role r belongs to the audience.
func (a Audience) Includes(r Role) bool {
	switch a {
	case AudienceAnyone:
		return r != RoleNone
	case AudienceParticipants:
		return r == RoleParticipant || r == RoleModerator
	case AudienceModerators:
		return r == RoleModerator
	}
	return false
}

// Privileges is a bit mask indicating the various privileges assigned to a room
// user.
type Privileges uint16

// A list of possible privileges.
const (
	PrivilegePresent Privileges = 1 << iota
	PrivilegeReceiveMessages
	PrivilegeReceivePresence
	PrivilegeBroadcastPresence
	PrivilegeChangeAvailability
	PrivilegeChangeNick
	PrivilegePrivateMessage
	PrivilegeSendInvites
	PrivilegeSendMessages
	PrivilegeModifySubject
	PrivilegeKick
	PrivilegeGrantVoice
	PrivilegeRevokeVoice

	// Default privileges for each role.
	PrivilegesVisitor     = PrivilegePresent | PrivilegeReceiveMessages | PrivilegeReceivePresence | PrivilegeBroadcastPresence | PrivilegeChangeAvailability | PrivilegeChangeNick | PrivilegePrivateMessage | PrivilegeSendInvites
	PrivilegesParticipant = PrivilegesVisitor | PrivilegeSendMessages | PrivilegeModifySubject
	PrivilegesModerator   = PrivilegesParticipant | PrivilegeKick | PrivilegeGrantVoice | PrivilegeRevokeVoice
)

// Has reports whether all privileges in q are set in p.
func (p Privileges) Has(q Privileges) bool {
	return p&q == q
}
