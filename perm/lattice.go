// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package perm decides what occupants of a Multi-User Chat room may do.
//
// Decisions are a pure function of the acting occupants affiliation and role,
// the affiliation of the target (if any), the action being attempted, and a
// small amount of room policy.
// Nothing in this package has side effects, so it may be called from any
// goroutine without synchronization.
//
// Denials are returned as stanza.Error values with the condition that should
// be reported to the requesting entity:
//
//	err := perm.CanActOn(actor, perm.AffiliationAdmin, perm.ActionKick, policy)
//	if err != nil {
//		// err is stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
//	}
package perm // import "mellium.im/mucd/perm"

import (
	"mellium.im/xmpp/stanza"
)

// Action is something an occupant attempts to do in a room.
type Action uint8

// A list of actions that are subject to authorization.
const (
	ActionSetMembership   Action = iota // set-membership
	ActionSetAdmin                      // set-admin
	ActionSetOwner                      // set-owner
	ActionBan                           // ban
	ActionSetModerator                  // set-moderator
	ActionSetVoice                      // set-voice
	ActionKick                          // kick
	ActionChangeSubject                 // change-subject
	ActionConfigure                     // configure
	ActionDestroy                       // destroy
	ActionSetAvatar                     // set-avatar
	ActionSendMessage                   // send-message
	ActionPrivateMessage                // private-message
	ActionInvite                        // invite
	ActionListAffiliation               // list-affiliation
	ActionListRole                      // list-role
)

// Actor is the affiliation and role of the entity attempting an action.
// Entities that are not joined to the room have RoleNone.
type Actor struct {
	Affiliation Affiliation
	Role        Role
}

// Policy is the subset of room configuration that influences authorization.
type Policy struct {
	OccupantsMayChangeSubject bool
	MembersOnly               bool
	MembersMayInvite          bool
	PrivateMessages           Audience
}

// Deny returns the stanza error reported for condition c, with the error type
// that RFC 6120 recommends for that condition.
func Deny(c stanza.Condition) stanza.Error {
	var typ stanza.ErrorType
	switch c {
	case stanza.Forbidden, stanza.RegistrationRequired, stanza.NotAuthorized:
		typ = stanza.Auth
	case stanza.BadRequest, stanza.NotAcceptable, stanza.JIDMalformed:
		typ = stanza.Modify
	case stanza.ResourceConstraint:
		typ = stanza.Wait
	default:
		typ = stanza.Cancel
	}
	return stanza.Error{Type: typ, Condition: c}
}

// AffiliationAction returns the action that changing an affiliation from
// prev to next requires.
func AffiliationAction(prev, next Affiliation) Action {
	switch {
	case next == AffiliationOutcast:
		return ActionBan
	case prev == AffiliationOwner || next == AffiliationOwner:
		return ActionSetOwner
	case prev == AffiliationAdmin || next == AffiliationAdmin:
		return ActionSetAdmin
	}
	return ActionSetMembership
}

// RoleAction returns the action that changing a role from prev to next
// requires.
func RoleAction(prev, next Role) Action {
	switch {
	case next == RoleNone:
		return ActionKick
	case prev == RoleModerator || next == RoleModerator:
		return ActionSetModerator
	}
	return ActionSetVoice
}

// CanActOn reports whether actor may perform action a on an entity with the
// target affiliation.
// Actions that have no target ignore the target argument.
// A nil error means the action is allowed.
func CanActOn(actor Actor, target Affiliation, a Action, p Policy) error {
	switch a {
	case ActionSetMembership, ActionBan, ActionSetAdmin, ActionSetOwner:
		if actor.Affiliation != AffiliationOwner && actor.Affiliation != AffiliationAdmin {
			return Deny(stanza.Forbidden)
		}
		if actor.Affiliation == AffiliationAdmin && target.Rank() >= AffiliationAdmin.Rank() {
			return Deny(stanza.NotAllowed)
		}
		if (a == ActionSetAdmin || a == ActionSetOwner) && actor.Affiliation != AffiliationOwner {
			return Deny(stanza.Forbidden)
		}
	case ActionSetModerator:
		if actor.Affiliation != AffiliationOwner && actor.Affiliation != AffiliationAdmin {
			return Deny(stanza.Forbidden)
		}
		if actor.Affiliation == AffiliationAdmin && target.Rank() >= AffiliationAdmin.Rank() {
			return Deny(stanza.NotAllowed)
		}
	case ActionSetVoice, ActionKick:
		if actor.Role != RoleModerator {
			return Deny(stanza.Forbidden)
		}
		if target.Outranks(actor.Affiliation) {
			return Deny(stanza.NotAllowed)
		}
	case ActionChangeSubject:
		if actor.Role == RoleModerator {
			return nil
		}
		if p.OccupantsMayChangeSubject && actor.Role == RoleParticipant {
			return nil
		}
		return Deny(stanza.Forbidden)
	case ActionConfigure, ActionDestroy, ActionSetAvatar:
		if actor.Affiliation != AffiliationOwner {
			return Deny(stanza.Forbidden)
		}
	case ActionSendMessage:
		if !actor.Role.Privileges().Has(PrivilegeSendMessages) {
			return Deny(stanza.Forbidden)
		}
	case ActionPrivateMessage:
		if !actor.Role.Privileges().Has(PrivilegePrivateMessage) || !p.PrivateMessages.Includes(actor.Role) {
			return Deny(stanza.Forbidden)
		}
	case ActionInvite:
		if !actor.Role.Privileges().Has(PrivilegeSendInvites) {
			return Deny(stanza.Forbidden)
		}
		if !p.MembersOnly {
			return nil
		}
		switch actor.Affiliation {
		case AffiliationOwner, AffiliationAdmin:
		case AffiliationMember:
			if !p.MembersMayInvite {
				return Deny(stanza.Forbidden)
			}
		default:
			return Deny(stanza.Forbidden)
		}
	case ActionListAffiliation:
		if actor.Affiliation != AffiliationOwner && actor.Affiliation != AffiliationAdmin {
			return Deny(stanza.Forbidden)
		}
	case ActionListRole:
		if actor.Role != RoleModerator {
			return Deny(stanza.Forbidden)
		}
	default:
		return Deny(stanza.BadRequest)
	}
	return nil
}

// DefaultRole is the role given to an occupant with affiliation a when it
// joins a room.
// Outcasts have no role because they may not join.
func DefaultRole(a Affiliation, moderated bool) Role {
	switch a {
	case AffiliationOwner, AffiliationAdmin:
		return RoleModerator
	case AffiliationMember:
		return RoleParticipant
	case AffiliationNone:
		if moderated {
			return RoleVisitor
		}
		return RoleParticipant
	}
	return RoleNone
}
