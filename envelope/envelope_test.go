// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package envelope_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/creachadair/capmesh/envelope"
	"github.com/google/go-cmp/cmp"
)

func volumeArgs(v float64) envelope.Value {
	return envelope.MapValue(envelope.NewMap().Set("volume", envelope.Number(v)))
}

func TestRoundTrip(t *testing.T) {
	tests := []*envelope.Envelope{
		{Kind: envelope.Invocation, Invocation: "id-1", Capability: "org.capmesh.Player", Aspect: "Play"},
		{Kind: envelope.Invocation, Invocation: "id-2", Capability: "org.capmesh.Player", Aspect: "SetVolume",
			Arguments: volumeArgs(0.5)},
		{Kind: envelope.Invocation, Invocation: "id-3", Capability: "x", Aspect: "y",
			Arguments: envelope.List(envelope.String(`quote " and % and <tag> & 'apos'`), envelope.Bool(true), envelope.Null)},
		{Kind: envelope.Response, Invocation: "id-1"},
		{Kind: envelope.Response, Invocation: "id-2", Response: envelope.Bool(false)},
		{Kind: envelope.Response, Invocation: "id-2", Response: envelope.MapValue(envelope.NewMap().
			Set("volume", envelope.Number(0.5)).
			Set("playing", envelope.Bool(false)).
			Set("nested", envelope.List(envelope.Number(-1e9), envelope.String("ünïcode"))))},
		{Kind: envelope.Error, Invocation: "id-4", Domain: "capmesh", Code: 3, Message: "invocation timed out"},
		{Kind: envelope.Error, Invocation: "id-5", Domain: "app", Code: 0, Message: ""},
		{Kind: envelope.Event, Capability: "org.capmesh.Player", Aspect: "volume", Arguments: envelope.Number(0.8)},
		{Kind: envelope.Event, Capability: "org.capmesh.Battery", Aspect: "charging"},
		{Kind: envelope.Status, Capability: "org.capmesh.Battery", Aspect: "health"},
		{Kind: envelope.Status, Capability: "org.capmesh.Battery"},
		{Kind: envelope.Error, Invocation: "id-6", Domain: "app", Code: 2, Message: "two\nlines\tand a tab, ünïcode & <markup>"},
		{Kind: envelope.Event, Capability: "c", Aspect: "a",
			Arguments: envelope.List(envelope.String("bell\x07"), envelope.String("nul\x00"), envelope.Number(-0.25))},
		{Kind: envelope.Status, Capability: "c", Aspect: "a", Condition: envelope.String("degraded"),
			Children: []*envelope.Node{
				envelope.NewNode("cell").SetAttr("index", "0").SetAttr("level", "0.9"),
				envelope.NewNode("cell").SetAttr("index", "1").Add(envelope.NewNode("fault").SetAttr("code", "7")),
			}},
	}
	for _, want := range tests {
		t.Run(want.Kind.String(), func(t *testing.T) {
			enc, err := want.Encode()
			if err != nil {
				t.Fatalf("Encode: unexpected error: %v", err)
			}
			t.Logf("Encoded: %s", enc)

			got, err := envelope.Decode(enc)
			if err != nil {
				t.Fatalf("Decode: unexpected error: %v", err)
			}
			if !envelope.Equal(got, want) {
				t.Errorf("Round trip: got %v, want %v", got, want)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Round trip (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	status := func(n *envelope.Node) *envelope.Envelope {
		return &envelope.Envelope{
			Kind:       envelope.Status,
			Capability: "org.capmesh.Battery",
			Aspect:     "health",
			Children:   []*envelope.Node{n},
		}
	}
	a := status(envelope.NewNode("cell").SetAttr("index", "0").SetAttr("level", "0.9"))
	b := status(envelope.NewNode("cell").SetAttr("level", "0.9").SetAttr("index", "0"))
	c := status(envelope.NewNode("cell").SetAttr("level", "0.8").SetAttr("index", "0"))

	if !envelope.Equal(a, b) {
		t.Error("Equal(a, b): attribute order should not matter")
	}
	if envelope.Equal(a, c) {
		t.Error("Equal(a, c): differing child attributes should not be equal")
	}

	// Order of children is significant.
	x, y := envelope.NewNode("x"), envelope.NewNode("y")
	d := status(x)
	d.Children = append(d.Children, y)
	e := status(y)
	e.Children = append(e.Children, x)
	if envelope.Equal(d, e) {
		t.Error("Equal(d, e): child order should matter")
	}

	// Map values compare without regard to key order.
	m1 := envelope.NewMap().Set("volume", envelope.Number(0.5)).Set("playing", envelope.Bool(true))
	m2 := envelope.NewMap().Set("playing", envelope.Bool(true)).Set("volume", envelope.Number(0.5))
	ev1 := &envelope.Envelope{Kind: envelope.Event, Capability: "c", Aspect: "a", Arguments: envelope.MapValue(m1)}
	ev2 := &envelope.Envelope{Kind: envelope.Event, Capability: "c", Aspect: "a", Arguments: envelope.MapValue(m2)}
	if !envelope.Equal(ev1, ev2) {
		t.Error("Equal(ev1, ev2): map key order should not matter")
	}
	if envelope.Equal(ev1, nil) {
		t.Error("Equal(ev1, nil) should be false")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		input string
		want  error
		field string
	}{
		{"", envelope.ErrParse, ""},
		{"not xml at all", envelope.ErrParse, ""},
		{`<message type="event"`, envelope.ErrParse, ""},
		{`<message type="event"></other>`, envelope.ErrParse, ""},
		{`<message/><message/>`, envelope.ErrParse, ""},

		{`<envelope type="event" capability="c" aspect="a"/>`, envelope.ErrMalformed, ""},
		{`<message capability="c" aspect="a"/>`, envelope.ErrMalformed, "type"},
		{`<message type="bogus"/>`, envelope.ErrMalformed, "type"},
		{`<message type="invocation" capability="c" aspect="a"/>`, envelope.ErrMalformed, "invocation"},
		{`<message type="invocation" invocation="1" aspect="a"/>`, envelope.ErrMalformed, "capability"},
		{`<message type="invocation" invocation="1" capability="c"/>`, envelope.ErrMalformed, "aspect"},
		{`<message type="response" invocation="1"/>`, envelope.ErrMalformed, "response"},
		{`<message type="error" invocation="1" domain="d" code="1"/>`, envelope.ErrMalformed, "message"},
		{`<message type="error" invocation="1" domain="d" code="x" message="m"/>`, envelope.ErrMalformed, "code"},
		{`<message type="event" aspect="a"/>`, envelope.ErrMalformed, "capability"},
		{`<message type="status" aspect="a"/>`, envelope.ErrMalformed, "capability"},
		{`<message type="event" capability="c" aspect="a" arguments="%7Bbad"/>`, envelope.ErrMalformed, "arguments"},
		{`<message type="event" capability="c" aspect="a" arguments="%zz"/>`, envelope.ErrMalformed, "arguments"},
		{`<message type="response" invocation="1" response="1%202"/>`, envelope.ErrMalformed, "response"},
	}
	for _, tc := range tests {
		got, err := envelope.Decode([]byte(tc.input))
		if err == nil {
			t.Errorf("Decode %q: got %v, want error", tc.input, got)
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("Decode %q: got error %v, want %v", tc.input, err, tc.want)
		}
		var derr *envelope.DecodeError
		if !errors.As(err, &derr) {
			t.Errorf("Decode %q: got error %[2]T, want *DecodeError", tc.input, err)
		} else if derr.Field != tc.field {
			t.Errorf("Decode %q: field is %q, want %q", tc.input, derr.Field, tc.field)
		} else if tc.field != "" && !strings.Contains(err.Error(), tc.field) {
			t.Errorf("Decode %q: error %q does not name field %q", tc.input, err, tc.field)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	event := func(args envelope.Value) *envelope.Envelope {
		return &envelope.Envelope{Kind: envelope.Event, Capability: "c", Aspect: "a", Arguments: args}
	}
	status := func(n *envelope.Node) *envelope.Envelope {
		return &envelope.Envelope{Kind: envelope.Status, Capability: "c", Children: []*envelope.Node{n}}
	}
	tests := []struct {
		name  string
		input *envelope.Envelope
	}{
		{"NoKind", &envelope.Envelope{Capability: "c", Aspect: "a"}},
		{"ControlInMessage", &envelope.Envelope{Kind: envelope.Error, Invocation: "1", Domain: "d", Message: "bad\x01byte"}},
		{"BadUTF8Capability", &envelope.Envelope{Kind: envelope.Invocation, Invocation: "1", Capability: "c\xff", Aspect: "a"}},
		{"BadUTF8String", event(envelope.String("a\xffb"))},
		{"Infinity", event(envelope.Number(math.Inf(1)))},
		{"NaN", event(envelope.List(envelope.Bool(true), envelope.Number(math.NaN())))},
		{"BadMapKey", event(envelope.MapValue(envelope.NewMap().Set("k\xfe", envelope.Null)))},
		{"NestedInfinity", event(envelope.MapValue(envelope.NewMap().Set("k", envelope.Number(math.Inf(-1)))))},
		{"PrefixedChild", status(envelope.NewNode("a:b"))},
		{"EmptyChildName", status(envelope.NewNode(""))},
		{"ControlInChildAttr", status(envelope.NewNode("cell").SetAttr("k", "\x02"))},
		{"BadGrandchild", status(envelope.NewNode("cell").Add(envelope.NewNode("two words")))},
		{"NilChild", status(nil)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.input.Encode()
			if !errors.Is(err, envelope.ErrEncode) {
				t.Errorf("Encode: got %q, %v; want %v", got, err, envelope.ErrEncode)
			}
			if _, err := tc.input.MarshalText(); !errors.Is(err, envelope.ErrEncode) {
				t.Errorf("MarshalText: got %v, want %v", err, envelope.ErrEncode)
			}
		})
	}
}

func TestSafeText(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", ""},
		{"plain text", "plain text"},
		{"tab\tok\n", "tab\tok\n"},
		{"bad\x01byte", "bad\ufffdbyte"},
		{"a\xffb", "a\ufffdb"},
	}
	for _, tc := range tests {
		got := envelope.SafeText(tc.input)
		if got != tc.want {
			t.Errorf("SafeText(%q): got %q, want %q", tc.input, got, tc.want)
		}
		e := &envelope.Envelope{Kind: envelope.Error, Invocation: "1", Domain: "d", Message: got}
		if _, err := e.Encode(); err != nil {
			t.Errorf("Encode SafeText(%q): unexpected error: %v", tc.input, err)
		}
	}
}

func TestDecodeWhitespace(t *testing.T) {
	const input = `
  <?xml version="1.0"?>
  <message type="event" capability="c" aspect="a">
    <child k="v"/>
  </message>
`
	got, err := envelope.Decode([]byte(input))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	want := &envelope.Envelope{
		Kind:       envelope.Event,
		Capability: "c",
		Aspect:     "a",
		Children:   []*envelope.Node{envelope.NewNode("child").SetAttr("k", "v")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode (-want, +got):\n%s", diff)
	}
}

func TestTextMarshaling(t *testing.T) {
	want := &envelope.Envelope{Kind: envelope.Event, Capability: "c", Aspect: "a", Arguments: envelope.Number(3)}
	text, err := want.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got envelope.Envelope
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !envelope.Equal(&got, want) {
		t.Errorf("UnmarshalText: got %v, want %v", &got, want)
	}
	if err := got.UnmarshalText([]byte("<message/>")); err == nil {
		t.Error("UnmarshalText: got nil, want error")
	}
}
