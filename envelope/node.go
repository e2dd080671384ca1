// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package envelope

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// An Attr is a single name/value attribute of a node.
type Attr struct {
	Name, Value string
}

// A Node is an element of an attribute tree. Attributes are kept in the order
// they were added, but that order is not significant for equality.
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node
}

// NewNode constructs a node with the given name and no attributes.
func NewNode(name string) *Node { return &Node{Name: name} }

// SetAttr sets the named attribute of n to value, and returns n to permit
// chaining. An existing attribute keeps its position.
func (n *Node) SetAttr(name, value string) *Node {
	for i, a := range n.Attrs {
		if a.Name == name {
			n.Attrs[i].Value = value
			return n
		}
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// Attr returns the value of the named attribute and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Add appends children to n, and returns n to permit chaining.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Equal reports whether n and o have the same name, the same set of
// attributes, and pairwise equal children in the same order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Name != o.Name || len(n.Attrs) != len(o.Attrs) || len(n.Children) != len(o.Children) {
		return false
	}
	for _, a := range n.Attrs {
		if v, ok := o.Attr(a.Name); !ok || v != a.Value {
			return false
		}
	}
	for i, c := range n.Children {
		if !c.Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// check reports an error if n or any of its descendants has a name or an
// attribute that cannot be encoded without loss.
func (n *Node) check() error {
	if n == nil {
		return errors.New("nil node")
	} else if !isName(n.Name) {
		return fmt.Errorf("invalid element name %q", n.Name)
	}
	for i, a := range n.Attrs {
		if !isName(a.Name) {
			return fmt.Errorf("element %q: invalid attribute name %q", n.Name, a.Name)
		}
		for _, b := range n.Attrs[:i] {
			if b.Name == a.Name {
				return fmt.Errorf("element %q: duplicate attribute %q", n.Name, a.Name)
			}
		}
		if err := checkText(a.Value); err != nil {
			return fmt.Errorf("element %q: attribute %q: %w", n.Name, a.Name, err)
		}
	}
	for _, c := range n.Children {
		if err := c.check(); err != nil {
			return err
		}
	}
	return nil
}

// isName reports whether s is usable as an element or attribute name. Names
// with a namespace prefix are excluded, since the prefix does not survive
// decoding.
func isName(s string) bool {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "xml") {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return true
}

func (n *Node) encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Name}}
	for _, a := range n.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// parseNode parses a single element tree from text. Leading and trailing
// whitespace, comments, and processing instructions are ignored; character
// data inside elements is discarded.
func parseNode(text []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(text))
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, errors.New("multiple root elements")
			}
			n := &Node{Name: t.Name.Local}
			for _, a := range t.Attr {
				n.SetAttr(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)

		case xml.EndElement:
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) == 0 && len(bytes.TrimSpace(t)) != 0 {
				return nil, fmt.Errorf("unexpected text %q outside element", t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no element found")
	} else if len(stack) != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return root, nil
}
