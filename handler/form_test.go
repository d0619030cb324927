// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package handler

import (
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/perm"
	"mellium.im/mucd/room"
)

// submit decodes a submitted form with the given field and value pairs.
func submit(t *testing.T, fields ...string) *submission {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<x xmlns="jabber:x:data" type="submit">`)
	for i := 0; i+1 < len(fields); i += 2 {
		b.WriteString(`<field var="` + fields[i] + `"><value>` + fields[i+1] + `</value></field>`)
	}
	b.WriteString(`</x>`)
	s := &submission{}
	err := xml.Unmarshal([]byte(b.String()), s)
	if err != nil {
		t.Fatalf("error decoding submission: %v", err)
	}
	return s
}

func condition(err error) stanza.Condition {
	var se stanza.Error
	if errors.As(err, &se) {
		return se.Condition
	}
	return ""
}

var formTests = [...]struct {
	form []string
	cur  room.Config
	want func(*room.Config)
	cond stanza.Condition
}{
	0: {cur: room.DefaultConfig},
	1: {
		form: []string{fieldName, "A Dark Cave", fieldPersistent, "1", fieldPublic, "false"},
		cur:  room.DefaultConfig,
		want: func(c *room.Config) {
			c.Name = "A Dark Cave"
			c.Persistent = true
			c.Public = false
		},
	},
	2: {
		form: []string{fieldWhois, "none", fieldAllowPM, "participants", fieldMaxHistory, "5"},
		cur:  room.DefaultConfig,
		want: func(c *room.Config) {
			c.Anonymity = room.FullyAnonymous
			c.AllowPM = perm.AudienceParticipants
			c.MaxHistory = 5
		},
	},
	3: {
		form: []string{fieldPasswordProt, "1", fieldSecret, "cauldronburn"},
		cur:  room.DefaultConfig,
		want: func(c *room.Config) {
			c.Password = "cauldronburn"
		},
	},
	4: {
		form: []string{fieldPasswordProt, "0", fieldSecret, "cauldronburn"},
		cur:  room.DefaultConfig,
	},
	5: {form: []string{fieldPasswordProt, "1"}, cur: room.DefaultConfig, cond: stanza.NotAcceptable},
	6: {form: []string{fieldModerated, "maybe"}, cur: room.DefaultConfig, cond: stanza.BadRequest},
	7: {form: []string{fieldWhois, "everyone"}, cur: room.DefaultConfig, cond: stanza.BadRequest},
	8: {form: []string{fieldMaxHistory, "-1"}, cur: room.DefaultConfig, cond: stanza.BadRequest},
	9: {form: []string{fieldAllowPM, "witches"}, cur: room.DefaultConfig, cond: stanza.BadRequest},
	10: {
		form: []string{"muc#roomconfig_lang", "en", fieldMultiSession, "true"},
		cur:  room.DefaultConfig,
		want: func(c *room.Config) {
			c.MultiSession = true
		},
	},
}

func TestFormConfig(t *testing.T) {
	for i, tc := range formTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			want := tc.cur
			if tc.want != nil {
				tc.want(&want)
			}
			got, err := submit(t, tc.form...).config(tc.cur)
			if c := condition(err); c != tc.cond {
				t.Fatalf("wrong error: want=%q, got=%v", tc.cond, err)
			}
			if tc.cond != "" {
				return
			}
			if got != want {
				t.Errorf("wrong config:\nwant=%+v,\n got=%+v", want, got)
			}
		})
	}
}

func TestConfigFormRoundTrip(t *testing.T) {
	cfg := room.DefaultConfig
	cfg.Name = "A Dark Cave"
	cfg.Anonymity = room.NonAnonymous
	cfg.Password = "cauldronburn"
	cfg.MaxHistory = 7

	var b strings.Builder
	e := xml.NewEncoder(&b)
	_, err := configForm(jid.MustParse("darkcave@chat.shakespeare.lit"), cfg).WriteXML(e)
	if err != nil {
		t.Fatalf("error encoding form: %v", err)
	}
	if err = e.Flush(); err != nil {
		t.Fatalf("error flushing: %v", err)
	}

	// Submitting the form unchanged must not change the configuration.
	var f submission
	err = xml.Unmarshal([]byte(b.String()), &f)
	if err != nil {
		t.Fatalf("error decoding form: %v", err)
	}
	if f.Type != form.TypeForm {
		t.Errorf("wrong form type: want=%q, got=%q", form.TypeForm, f.Type)
	}
	if title := f.Data.Title(); title != "Configuration for darkcave@chat.shakespeare.lit" {
		t.Errorf("wrong title: %q", title)
	}
	if opts, _ := f.Data.GetOptions(fieldWhois); len(opts) != 3 {
		t.Errorf("wrong whois options: %v", opts)
	}
	got, err := f.config(room.DefaultConfig)
	if err != nil {
		t.Fatalf("error applying form: %v", err)
	}
	if got != cfg {
		t.Errorf("wrong config:\nwant=%+v,\n got=%+v", cfg, got)
	}
}

func TestTypedSubmission(t *testing.T) {
	var s submission
	err := xml.Unmarshal([]byte(`<x xmlns="jabber:x:data" type="cancel"><field type="boolean" var="`+fieldModerated+`"><value>true</value></field></x>`), &s)
	if err != nil {
		t.Fatalf("error decoding submission: %v", err)
	}
	if s.Type != form.TypeCancel {
		t.Errorf("wrong form type: want=%q, got=%q", form.TypeCancel, s.Type)
	}
	cfg, err := s.config(room.DefaultConfig)
	if err != nil {
		t.Fatalf("error applying form: %v", err)
	}
	if !cfg.Moderated {
		t.Errorf("typed boolean field was not applied")
	}
}
