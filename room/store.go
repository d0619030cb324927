// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"

	"mellium.im/xmpp/jid"

	"mellium.im/mucd/perm"
)

// Record is the persistent state of a room.
type Record struct {
	JID          jid.JID
	Config       Config
	Subject      string
	Affiliations []AffiliationRecord
}

// AffiliationRecord is a single entry in a rooms affiliation lists.
type AffiliationRecord struct {
	JID         jid.JID
	Affiliation perm.Affiliation
	Nick        string
	Reason      string
}

// Store persists rooms.
//
// Only persistent rooms are written.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns every stored room.
	Load(ctx context.Context) ([]Record, error)

	// SaveRoom creates or replaces a room and its affiliations.
	SaveRoom(ctx context.Context, r Record) error

	// SetAffiliations creates or replaces the given affiliation records.
	// Records with AffiliationNone are removed.
	SetAffiliations(ctx context.Context, room jid.JID, recs []AffiliationRecord) error

	// DeleteRoom removes a room and its affiliations.
	// Deleting a room that does not exist is not an error.
	DeleteRoom(ctx context.Context, room jid.JID) error
}
