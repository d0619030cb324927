// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package vcard stores room avatars and marshals them as vcard-temp payloads.
//
// Avatars are published by room owners as described in XEP-0486: MUC Avatars
// and are stored per room, not per occupant.
package vcard // import "mellium.im/mucd/vcard"

import (
	"bytes"
	"context"
	/* #nosec */
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/webp"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
)

// Various namespaces used by this package, provided as a convenience.
const (
	NS       = `vcard-temp`
	NSUpdate = `vcard-temp:x:update`
)

// Errors returned by stores and validation.
var (
	ErrNotFound        = errors.New("vcard: no avatar published")
	ErrUnsupportedType = errors.New("vcard: unsupported image type")
	ErrInvalidImage    = errors.New("vcard: image does not match its type")
	ErrTooLarge        = errors.New("vcard: image too large")
)

// Supported image types.
const (
	TypePNG  = "image/png"
	TypeJPEG = "image/jpeg"
	TypeGIF  = "image/gif"
	TypeWebP = "image/webp"
)

var decoders = map[string]func(io.Reader) (image.Config, error){
	TypePNG:  png.DecodeConfig,
	TypeJPEG: jpeg.DecodeConfig,
	TypeGIF:  gif.DecodeConfig,
	TypeWebP: webp.DecodeConfig,
}

// Avatar is an image published for a room.
// The zero value is an empty (unpublished) avatar.
type Avatar struct {
	Type string
	Data []byte
}

// Empty reports whether the avatar has no image data.
func (a Avatar) Empty() bool {
	return len(a.Data) == 0
}

// Hash returns the hex encoded SHA-1 of the image data as used by XEP-0153.
// Empty avatars have an empty hash.
func (a Avatar) Hash() string {
	if a.Empty() {
		return ""
	}
	/* #nosec */
	sum := sha1.Sum(a.Data)
	return hex.EncodeToString(sum[:])
}

// Validator checks avatars before they are stored.
type Validator struct {
	// Types is the set of accepted MIME types.
	// If it is empty only image/png is accepted.
	Types []string

	// MaxBytes limits the size of the image data if it is greater than zero.
	MaxBytes int
}

// Validate checks that the avatars type is accepted and that its data decodes
// as an image of that type.
func (v Validator) Validate(a Avatar) error {
	types := v.Types
	if len(types) == 0 {
		types = []string{TypePNG}
	}
	accepted := false
	for _, t := range types {
		if t == a.Type {
			accepted = true
			break
		}
	}
	decode, known := decoders[a.Type]
	if !accepted || !known {
		return ErrUnsupportedType
	}
	if v.MaxBytes > 0 && len(a.Data) > v.MaxBytes {
		return ErrTooLarge
	}
	if _, err := decode(bytes.NewReader(a.Data)); err != nil {
		return ErrInvalidImage
	}
	return nil
}

// Store persists avatars keyed by the bare room address.
type Store interface {
	// Get returns ErrNotFound if no avatar is published.
	Get(ctx context.Context, room jid.JID) (Avatar, error)
	Put(ctx context.Context, room jid.JID, a Avatar) error
	Delete(ctx context.Context, room jid.JID) error
}

// VCard is the vcard-temp payload carrying a room avatar.
type VCard struct {
	Avatar Avatar
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (v VCard) TokenReader() xml.TokenReader {
	var photo xml.TokenReader
	if !v.Avatar.Empty() {
		photo = xmlstream.Wrap(
			xmlstream.MultiReader(
				xmlstream.Wrap(
					xmlstream.Token(xml.CharData(v.Avatar.Type)),
					xml.StartElement{Name: xml.Name{Local: "TYPE"}},
				),
				xmlstream.Wrap(
					xmlstream.Token(xml.CharData(base64.StdEncoding.EncodeToString(v.Avatar.Data))),
					xml.StartElement{Name: xml.Name{Local: "BINVAL"}},
				),
			),
			xml.StartElement{Name: xml.Name{Local: "PHOTO"}},
		)
	}
	return xmlstream.Wrap(
		photo,
		xml.StartElement{Name: xml.Name{Space: NS, Local: "vCard"}},
	)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (v VCard) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, v.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (v VCard) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := v.WriteXML(e)
	return err
}

// UnmarshalXML implements xml.Unmarshaler.
// Whitespace in the base64 encoded image data is ignored.
func (v *VCard) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	s := struct {
		Photo struct {
			Type   string `xml:"TYPE"`
			BinVal string `xml:"BINVAL"`
		} `xml:"PHOTO"`
	}{}
	err := d.DecodeElement(&s, &start)
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(stripSpace(s.Photo.BinVal))
	if err != nil {
		return err
	}
	v.Avatar = Avatar{}
	if len(data) > 0 {
		v.Avatar = Avatar{Type: s.Photo.Type, Data: data}
	}
	return nil
}

func stripSpace(s string) string {
	return string(bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, []byte(s)))
}

// Update is the vcard-temp:x:update element advertising the avatar hash in
// presence.
type Update struct {
	Hash string
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (u Update) TokenReader() xml.TokenReader {
	var inner xml.TokenReader
	if u.Hash != "" {
		inner = xmlstream.Token(xml.CharData(u.Hash))
	}
	return xmlstream.Wrap(
		xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Local: "photo"}}),
		xml.StartElement{Name: xml.Name{Space: NSUpdate, Local: "x"}},
	)
}
