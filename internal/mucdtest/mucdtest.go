// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package mucdtest provides utilities for testing rooms and their transport.
package mucdtest // import "mellium.im/mucd/internal/mucdtest"

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strconv"
	"sync"
	"testing"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/room"
)

// Recorder is a room.Deliverer that keeps every delivery it is asked to make.
// The zero value is ready to use.
type Recorder struct {
	mu  sync.Mutex
	got []room.Delivery
	Err error
}

// Deliver implements room.Deliverer.
// If Err is set it is returned after the delivery is recorded.
func (r *Recorder) Deliver(_ context.Context, d room.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return r.Err
}

// Take returns the recorded deliveries and forgets them.
func (r *Recorder) Take() []room.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.got
	r.got = nil
	return got
}

// Len returns the number of recorded deliveries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// To returns the deliveries in ds addressed to j.
func To(ds []room.Delivery, j jid.JID) []room.Delivery {
	var out []room.Delivery
	for _, d := range ds {
		if d.To.Equal(j) {
			out = append(out, d)
		}
	}
	return out
}

// Presences returns the presences in ds, in order.
func Presences(ds []room.Delivery) []room.Presence {
	var out []room.Presence
	for _, d := range ds {
		if p, ok := d.Stanza.(room.Presence); ok {
			out = append(out, p)
		}
	}
	return out
}

// Messages returns the messages in ds, in order.
func Messages(ds []room.Delivery) []room.Message {
	var out []room.Message
	for _, d := range ds {
		if m, ok := d.Stanza.(room.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

// Marshal renders a marshaler as a string.
func Marshal(m xmlstream.Marshaler) (string, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	_, err := xmlstream.Copy(e, m.TokenReader())
	if err != nil {
		return "", err
	}
	err = e.Flush()
	return buf.String(), err
}

// EncodingTestCase is a test that marshals Value and checks that the result
// matches XML.
type EncodingTestCase struct {
	Value xmlstream.Marshaler
	XML   string
	Err   error
}

// RunEncodingTests iterates over the test cases and runs each one.
func RunEncodingTests(t *testing.T, testCases []EncodingTestCase) {
	for i, tc := range testCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, err := Marshal(tc.Value)
			if !errors.Is(err, tc.Err) {
				t.Fatalf("unexpected error: want=%v, got=%v", tc.Err, err)
			}
			if out != tc.XML {
				t.Fatalf("unexpected output:\nwant=%q,\n got=%q", tc.XML, out)
			}
		})
	}
}

// Stream is an xmlstream.TokenReadEncoder that reads from an XML string and
// records everything encoded to it.
type Stream struct {
	xml.TokenReader
	*xml.Encoder
	Out *bytes.Buffer
}

// NewStream returns a stream that reads the tokens of in.
func NewStream(in string) *Stream {
	out := &bytes.Buffer{}
	return &Stream{
		TokenReader: xml.NewDecoder(bytes.NewBufferString(in)),
		Encoder:     xml.NewEncoder(out),
		Out:         out,
	}
}

// Start returns the first start element of the stream.
func (s *Stream) Start() (*xml.StartElement, error) {
	for {
		tok, err := s.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return &start, nil
		}
	}
}

// Written flushes the encoder and returns everything written to the stream.
func (s *Stream) Written() string {
	/* #nosec */
	s.Flush()
	return s.Out.String()
}
