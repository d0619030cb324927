// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package vcard_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"image"
	"image/gif"
	"image/png"
	"strconv"
	"testing"

	"mellium.im/xmpp/jid"

	"mellium.im/mucd/internal/mucdtest"
	"mellium.im/mucd/vcard"
)

func encode(t *testing.T, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := enc(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("error encoding image: %v", err)
	}
	return buf.Bytes()
}

func pngData(t *testing.T) []byte {
	return encode(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })
}

func gifData(t *testing.T) []byte {
	return encode(t, func(b *bytes.Buffer, img image.Image) error { return gif.Encode(b, img, nil) })
}

func TestValidate(t *testing.T) {
	pngImg := pngData(t)
	gifImg := gifData(t)
	for i, tc := range []struct {
		v   vcard.Validator
		a   vcard.Avatar
		err error
	}{
		0: {a: vcard.Avatar{Type: vcard.TypePNG, Data: pngImg}},
		1: {a: vcard.Avatar{Type: vcard.TypeGIF, Data: gifImg}, err: vcard.ErrUnsupportedType},
		2: {
			v: vcard.Validator{Types: []string{vcard.TypePNG, vcard.TypeGIF}},
			a: vcard.Avatar{Type: vcard.TypeGIF, Data: gifImg},
		},
		3: {a: vcard.Avatar{Type: vcard.TypePNG, Data: gifImg}, err: vcard.ErrInvalidImage},
		4: {v: vcard.Validator{MaxBytes: 8}, a: vcard.Avatar{Type: vcard.TypePNG, Data: pngImg}, err: vcard.ErrTooLarge},
		5: {v: vcard.Validator{Types: []string{"image/svg+xml"}}, a: vcard.Avatar{Type: "image/svg+xml", Data: []byte("<svg/>")}, err: vcard.ErrUnsupportedType},
		6: {v: vcard.Validator{Types: []string{vcard.TypeWebP}}, a: vcard.Avatar{Type: vcard.TypeWebP, Data: pngImg}, err: vcard.ErrInvalidImage},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			err := tc.v.Validate(tc.a)
			if !errors.Is(err, tc.err) {
				t.Errorf("wrong error: want=%v, got=%v", tc.err, err)
			}
		})
	}
}

func TestHash(t *testing.T) {
	if h := (vcard.Avatar{}).Hash(); h != "" {
		t.Errorf("empty avatar should have no hash: %q", h)
	}
	// SHA-1 of "abc".
	const want = "a9993e364706816aba3e25717850c26c9cd0d89d"
	if h := (vcard.Avatar{Type: vcard.TypePNG, Data: []byte("abc")}).Hash(); h != want {
		t.Errorf("wrong hash: want=%s, got=%s", want, h)
	}
}

func TestEncode(t *testing.T) {
	mucdtest.RunEncodingTests(t, []mucdtest.EncodingTestCase{
		0: {
			Value: vcard.VCard{},
			XML:   `<vCard xmlns="vcard-temp"></vCard>`,
		},
		1: {
			Value: vcard.VCard{Avatar: vcard.Avatar{Type: vcard.TypePNG, Data: []byte("abc")}},
			XML:   `<vCard xmlns="vcard-temp"><PHOTO><TYPE>image/png</TYPE><BINVAL>YWJj</BINVAL></PHOTO></vCard>`,
		},
		2: {
			Value: vcard.Update{Hash: "a9993e364706816aba3e25717850c26c9cd0d89d"},
			XML:   `<x xmlns="vcard-temp:x:update"><photo>a9993e364706816aba3e25717850c26c9cd0d89d</photo></x>`,
		},
		3: {
			Value: vcard.Update{},
			XML:   `<x xmlns="vcard-temp:x:update"><photo></photo></x>`,
		},
	})
}

func TestDecode(t *testing.T) {
	const in = `<vCard xmlns="vcard-temp"><PHOTO><TYPE>image/png</TYPE><BINVAL>
YW
Jj</BINVAL></PHOTO></vCard>`
	var v vcard.VCard
	err := xml.Unmarshal([]byte(in), &v)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}
	if v.Avatar.Type != vcard.TypePNG || string(v.Avatar.Data) != "abc" {
		t.Errorf("wrong avatar: %+v", v.Avatar)
	}

	err = xml.Unmarshal([]byte(`<vCard xmlns="vcard-temp"/>`), &v)
	if err != nil {
		t.Fatalf("error decoding empty vcard: %v", err)
	}
	if !v.Avatar.Empty() {
		t.Errorf("empty vcard should clear the avatar")
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	room := jid.MustParse("coven@chat.shakespeare.lit")
	m := &vcard.Memory{}

	_, err := m.Get(ctx, room)
	if !errors.Is(err, vcard.ErrNotFound) {
		t.Fatalf("wrong error: want=%v, got=%v", vcard.ErrNotFound, err)
	}
	data := []byte("abc")
	err = m.Put(ctx, room, vcard.Avatar{Type: vcard.TypePNG, Data: data})
	if err != nil {
		t.Fatalf("error storing avatar: %v", err)
	}
	data[0] = 'x'
	a, err := m.Get(ctx, jid.MustParse("coven@chat.shakespeare.lit/firstwitch"))
	if err != nil {
		t.Fatalf("error loading avatar: %v", err)
	}
	if string(a.Data) != "abc" {
		t.Errorf("store should copy avatar data: got=%q", a.Data)
	}
	err = m.Delete(ctx, room)
	if err != nil {
		t.Fatalf("error deleting avatar: %v", err)
	}
	if _, err = m.Get(ctx, room); !errors.Is(err, vcard.ErrNotFound) {
		t.Errorf("deleted avatar still stored: %v", err)
	}
}
