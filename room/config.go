// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"errors"
	"sort"

	"mellium.im/mucd/perm"
)

// ErrUnknownAnonymity is returned when parsing an unrecognized anonymity level.
var ErrUnknownAnonymity = errors.New("room: unrecognized anonymity")

// Anonymity controls who may see the real address of occupants.
type Anonymity uint8

// A list of anonymity levels.
const (
	// SemiAnonymous rooms reveal real addresses to moderators only.
	SemiAnonymous Anonymity = iota

	// NonAnonymous rooms reveal real addresses to all occupants.
	NonAnonymous

	// FullyAnonymous rooms never reveal real addresses.
	FullyAnonymous
)

// String returns the name used for the anonymity level in configuration files.
func (a Anonymity) String() string {
	switch a {
	case SemiAnonymous:
		return "semi-anonymous"
	case NonAnonymous:
		return "non-anonymous"
	case FullyAnonymous:
		return "fully-anonymous"
	}
	return "unknown"
}

// ParseAnonymity returns the anonymity level with the given name.
func ParseAnonymity(s string) (Anonymity, error) {
	for _, a := range []Anonymity{SemiAnonymous, NonAnonymous, FullyAnonymous} {
		if a.String() == s {
			return a, nil
		}
	}
	return SemiAnonymous, ErrUnknownAnonymity
}

// MarshalText implements encoding.TextMarshaler.
func (a Anonymity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Anonymity) UnmarshalText(text []byte) error {
	v, err := ParseAnonymity(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Config is the configuration of a room.
type Config struct {
	Name             string        `yaml:"name" json:"name,omitempty"`
	Description      string        `yaml:"description" json:"description,omitempty"`
	Public           bool          `yaml:"public" json:"public"`
	Persistent       bool          `yaml:"persistent" json:"persistent"`
	MembersOnly      bool          `yaml:"members_only" json:"members_only"`
	Moderated        bool          `yaml:"moderated" json:"moderated"`
	Logged           bool          `yaml:"logged" json:"logged"`
	Anonymity        Anonymity     `yaml:"anonymity" json:"anonymity"`
	AllowPM          perm.Audience `yaml:"allow_pm" json:"allow_pm"`
	ChangeSubject    bool          `yaml:"change_subject" json:"change_subject"`
	MembersMayInvite bool          `yaml:"members_may_invite" json:"members_may_invite"`
	Password         string        `yaml:"password" json:"password,omitempty"`

	// MultiSession allows one bare address to hold several nicknames.
	MultiSession bool `yaml:"multi_session" json:"multi_session"`

	// MaxHistory is the number of groupchat messages replayed to joining
	// occupants.
	MaxHistory int `yaml:"max_history" json:"max_history"`
}

// DefaultConfig is the configuration of new rooms when no other defaults are
// configured.
var DefaultConfig = Config{
	Public:        true,
	Anonymity:     SemiAnonymous,
	AllowPM:       perm.AudienceAnyone,
	ChangeSubject: false,
	MaxHistory:    20,
}

// Policy returns the subset of the configuration used to authorize actions.
func (c Config) Policy() perm.Policy {
	return perm.Policy{
		OccupantsMayChangeSubject: c.ChangeSubject,
		MembersOnly:               c.MembersOnly,
		MembersMayInvite:          c.MembersMayInvite,
		PrivateMessages:           c.AllowPM,
	}
}

// Field is a bit mask of configuration fields.
type Field uint16

// A list of configuration fields.
const (
	FieldName Field = 1 << iota
	FieldDescription
	FieldPublic
	FieldPersistent
	FieldMembersOnly
	FieldModerated
	FieldLogged
	FieldAnonymity
	FieldAllowPM
	FieldChangeSubject
	FieldMembersMayInvite
	FieldPassword
	FieldMultiSession
	FieldMaxHistory

	// privacyFields have their own status codes.
	privacyFields = FieldLogged | FieldAnonymity
)

// Has reports whether all fields in g are set in f.
func (f Field) Has(g Field) bool {
	return f&g == g
}

// Diff returns the fields that differ between c and next.
func (c Config) Diff(next Config) Field {
	var f Field
	set := func(changed bool, field Field) {
		if changed {
			f |= field
		}
	}
	set(c.Name != next.Name, FieldName)
	set(c.Description != next.Description, FieldDescription)
	set(c.Public != next.Public, FieldPublic)
	set(c.Persistent != next.Persistent, FieldPersistent)
	set(c.MembersOnly != next.MembersOnly, FieldMembersOnly)
	set(c.Moderated != next.Moderated, FieldModerated)
	set(c.Logged != next.Logged, FieldLogged)
	set(c.Anonymity != next.Anonymity, FieldAnonymity)
	set(c.AllowPM != next.AllowPM, FieldAllowPM)
	set(c.ChangeSubject != next.ChangeSubject, FieldChangeSubject)
	set(c.MembersMayInvite != next.MembersMayInvite, FieldMembersMayInvite)
	set(c.Password != next.Password, FieldPassword)
	set(c.MultiSession != next.MultiSession, FieldMultiSession)
	set(c.MaxHistory != next.MaxHistory, FieldMaxHistory)
	return f
}

// ChangeStatus returns the status codes announcing a change from c to next,
// in ascending order.
func (c Config) ChangeStatus(next Config) []Status {
	diff := c.Diff(next)
	var codes []Status
	if diff&^privacyFields != 0 {
		codes = append(codes, StatusConfigChanged)
	}
	if diff.Has(FieldLogged) {
		if next.Logged {
			codes = append(codes, StatusLogging)
		} else {
			codes = append(codes, StatusNotLogging)
		}
	}
	if diff.Has(FieldAnonymity) {
		switch next.Anonymity {
		case NonAnonymous:
			codes = append(codes, StatusNonAnonymous)
		case SemiAnonymous:
			codes = append(codes, StatusSemiAnonymous)
		case FullyAnonymous:
			codes = append(codes, StatusFullyAnonymous)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
