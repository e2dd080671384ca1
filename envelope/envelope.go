// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package envelope implements the wire format of capmesh messages.
//
// An envelope is a single element whose attributes carry the routing fields
// of the message, with optional child elements for composite payloads:
//
//	<message type="invocation" invocation="8c1e..." capability="org.capmesh.Player"
//	         aspect="SetVolume" arguments="%7B%22volume%22:0.5%7D"></message>
//
// Structured values (the arguments, response and condition attributes) are
// rendered in literal form by [Value.Literal] and then percent-escaped.
package envelope

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind identifies the type of an envelope.
type Kind byte

const (
	Invocation Kind = iota + 1 // a remote method call
	Response                   // the successful result of an invocation
	Error                      // the failed result of an invocation
	Event                      // a property change or broadcast notification
	Status                     // a composite status report
)

var kindNames = [...]string{
	Invocation: "invocation",
	Response:   "response",
	Error:      "error",
	Event:      "event",
	Status:     "status",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind:%d", byte(k))
}

// ParseKind returns the Kind with the given wire name.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if i > 0 && name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Wire attribute names.
const (
	AttrType       = "type"
	AttrInvocation = "invocation"
	AttrCapability = "capability"
	AttrAspect     = "aspect"
	AttrArguments  = "arguments"
	AttrResponse   = "response"
	AttrCondition  = "condition"
	AttrDomain     = "domain"
	AttrCode       = "code"
	AttrMessage    = "message"
)

const rootName = "message"

// An Envelope is a single protocol message. Which fields are meaningful
// depends on the Kind:
//
//   - Invocation: Invocation, Capability, Aspect, and optionally Arguments.
//   - Response: Invocation and Response.
//   - Error: Invocation, Domain, Code, and Message.
//   - Event: Capability, Aspect, and optionally Arguments.
//   - Status: Capability, and optionally Aspect, Condition, and Children.
type Envelope struct {
	Kind       Kind
	Invocation string
	Capability string
	Aspect     string
	Arguments  Value
	Response   Value
	Condition  Value

	Domain  string
	Code    int
	Message string

	Children []*Node
}

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	switch e.Kind {
	case Invocation:
		return fmt.Sprintf("Invocation(ID=%s, %s.%s, Args=%v)", e.Invocation, e.Capability, e.Aspect, e.Arguments)
	case Response:
		return fmt.Sprintf("Response(ID=%s, %v)", e.Invocation, e.Response)
	case Error:
		return fmt.Sprintf("Error(ID=%s, %s:%d, %q)", e.Invocation, e.Domain, e.Code, e.Message)
	case Event:
		return fmt.Sprintf("Event(%s.%s, Args=%v)", e.Capability, e.Aspect, e.Arguments)
	case Status:
		return fmt.Sprintf("Status(%s.%s, Cond=%v, %d children)", e.Capability, e.Aspect, e.Condition, len(e.Children))
	default:
		return fmt.Sprintf("Envelope(%v)", e.Kind)
	}
}

// Encode encodes e in wire format. It reports an error wrapping [ErrEncode]
// if e holds a field that the wire format cannot carry without loss, such as
// invalid UTF-8, a control character in a plain attribute, or a number that
// is not finite.
func (e *Envelope) Encode() ([]byte, error) {
	n, err := e.node()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := n.encode(enc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// MarshalText implements encoding.TextMarshaler.
func (e *Envelope) MarshalText() ([]byte, error) { return e.Encode() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Envelope) UnmarshalText(text []byte) error {
	d, err := Decode(text)
	if err != nil {
		return err
	}
	*e = *d
	return nil
}

// node renders e as an attribute tree. Optional values that are null are
// omitted.
func (e *Envelope) node() (*Node, error) {
	if e.Kind < Invocation || e.Kind > Status {
		return nil, encodeError(AttrType, "unknown kind %v", e.Kind)
	}
	w := attrWriter{n: &Node{Name: rootName, Children: e.Children}}
	w.text(AttrType, e.Kind.String())
	switch e.Kind {
	case Invocation:
		w.text(AttrInvocation, e.Invocation)
		w.text(AttrCapability, e.Capability)
		w.text(AttrAspect, e.Aspect)
		w.value(AttrArguments, e.Arguments, false)
	case Response:
		w.text(AttrInvocation, e.Invocation)
		w.value(AttrResponse, e.Response, true)
	case Error:
		w.text(AttrInvocation, e.Invocation)
		w.text(AttrDomain, e.Domain)
		w.text(AttrCode, strconv.Itoa(e.Code))
		w.text(AttrMessage, e.Message)
	case Event:
		w.text(AttrCapability, e.Capability)
		w.text(AttrAspect, e.Aspect)
		w.value(AttrArguments, e.Arguments, false)
	case Status:
		w.text(AttrCapability, e.Capability)
		if e.Aspect != "" {
			w.text(AttrAspect, e.Aspect)
		}
		w.value(AttrCondition, e.Condition, false)
	}
	if w.err != nil {
		return nil, w.err
	}
	for _, c := range e.Children {
		if err := c.check(); err != nil {
			return nil, fmt.Errorf("%w: child: %w", ErrEncode, err)
		}
	}
	return w.n, nil
}

// attrWriter sets the attributes of a node, keeping the first error.
type attrWriter struct {
	n   *Node
	err error
}

func (w *attrWriter) text(name, s string) {
	if w.err != nil {
		return
	}
	if err := checkText(s); err != nil {
		w.err = encodeError(name, "%v", err)
		return
	}
	w.n.SetAttr(name, s)
}

func (w *attrWriter) value(name string, v Value, always bool) {
	if w.err != nil || (v.IsNull() && !always) {
		return
	}
	if err := v.check(); err != nil {
		w.err = encodeError(name, "%v", err)
		return
	}
	w.n.SetAttr(name, url.PathEscape(v.Literal()))
}

// SafeText returns a copy of s in which every character that cannot be
// carried in a plain attribute is replaced by U+FFFD.
func SafeText(s string) string {
	if checkText(s) == nil {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return utf8.RuneError
	}, strings.ToValidUTF8(s, string(utf8.RuneError)))
}

func checkText(s string) error {
	if !utf8.ValidString(s) {
		return errors.New("invalid UTF-8")
	}
	for _, r := range s {
		if !isXMLChar(r) {
			return fmt.Errorf("character %U is not permitted", r)
		}
	}
	return nil
}

// isXMLChar reports whether r may appear in the text of an attribute.
func isXMLChar(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r' ||
		(r >= 0x20 && r <= 0xD7FF) || (r >= 0xE000 && r <= 0xFFFD) || (r >= 0x10000 && r <= 0x10FFFF)
}

func encodeError(field, format string, args ...any) error {
	return fmt.Errorf("%w: field %q: %s", ErrEncode, field, fmt.Sprintf(format, args...))
}

var (
	// ErrParse is reported for text that is not a well-formed envelope.
	ErrParse = errors.New("parse error")

	// ErrMalformed is reported for a well-formed envelope that is missing a
	// mandatory attribute or carries an invalid attribute value.
	ErrMalformed = errors.New("malformed message")

	// ErrEncode is reported for an envelope that cannot be encoded.
	ErrEncode = errors.New("cannot encode envelope")
)

// DecodeError is the concrete type of errors reported by [Decode].
// It wraps either [ErrParse] or [ErrMalformed].
type DecodeError struct {
	Field string // the offending attribute, if known
	Err   error
}

func (d *DecodeError) Error() string {
	if d.Field != "" {
		return fmt.Sprintf("%v: field %q", d.Err, d.Field)
	}
	return d.Err.Error()
}

// Unwrap supports error wrapping.
func (d *DecodeError) Unwrap() error { return d.Err }

func parseError(err error) error {
	return &DecodeError{Err: fmt.Errorf("%w: %w", ErrParse, err)}
}

func malformed(field, format string, args ...any) error {
	return &DecodeError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)}
}

// Decode decodes an envelope from its wire format. It reports an error of
// concrete type *DecodeError if text is not well-formed, or if it lacks any
// attribute required by its declared kind.
func Decode(text []byte) (*Envelope, error) {
	root, err := parseNode(text)
	if err != nil {
		return nil, parseError(err)
	}
	if root.Name != rootName {
		return nil, malformed("", "unexpected root element %q", root.Name)
	}
	ktext, ok := root.Attr(AttrType)
	if !ok {
		return nil, malformed(AttrType, "missing attribute")
	}
	kind, ok := ParseKind(ktext)
	if !ok {
		return nil, malformed(AttrType, "unknown kind %q", ktext)
	}
	e := &Envelope{Kind: kind, Children: root.Children}

	var required []string
	switch kind {
	case Invocation:
		required = []string{AttrInvocation, AttrCapability, AttrAspect}
	case Response:
		required = []string{AttrInvocation, AttrResponse}
	case Error:
		required = []string{AttrInvocation, AttrDomain, AttrCode, AttrMessage}
	case Event:
		required = []string{AttrCapability, AttrAspect}
	case Status:
		required = []string{AttrCapability}
	}
	for _, name := range required {
		if _, ok := root.Attr(name); !ok {
			return nil, malformed(name, "missing attribute")
		}
	}

	e.Invocation, _ = root.Attr(AttrInvocation)
	e.Capability, _ = root.Attr(AttrCapability)
	e.Aspect, _ = root.Attr(AttrAspect)
	switch kind {
	case Invocation, Event:
		e.Arguments, err = getValue(root, AttrArguments)
	case Response:
		e.Response, err = getValue(root, AttrResponse)
	case Status:
		e.Condition, err = getValue(root, AttrCondition)
	case Error:
		e.Domain, _ = root.Attr(AttrDomain)
		e.Message, _ = root.Attr(AttrMessage)
		ctext, _ := root.Attr(AttrCode)
		e.Code, err = strconv.Atoi(ctext)
		if err != nil {
			return nil, malformed(AttrCode, "invalid code %q", ctext)
		}
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func getValue(n *Node, name string) (Value, error) {
	esc, ok := n.Attr(name)
	if !ok {
		return Null, nil
	}
	lit, err := url.PathUnescape(esc)
	if err != nil {
		return Null, malformed(name, "invalid escape: %v", err)
	}
	v, err := ParseLiteral(lit)
	if err != nil {
		return Null, malformed(name, "invalid value: %v", err)
	}
	return v, nil
}

// Equal reports whether a and b are structurally equal: they have the same
// attributes (without regard to order) and equal child trees (in order).
func Equal(a, b *Envelope) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind &&
		a.Invocation == b.Invocation &&
		a.Capability == b.Capability &&
		a.Aspect == b.Aspect &&
		a.Arguments.Equal(b.Arguments) &&
		a.Response.Equal(b.Response) &&
		a.Condition.Equal(b.Condition) &&
		a.Domain == b.Domain &&
		a.Code == b.Code &&
		a.Message == b.Message &&
		slices.EqualFunc(a.Children, b.Children, (*Node).Equal)
}
