// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a static table of capability implementations for
// use with a capmesh.Engine.
//
// Each entry of a catalog maps an FQC-ID to the constructors for the adapter
// (server side) and proxy (client side) of the capability. A Catalog
// implements the capmesh.Registry interface.
//
// # Usage
//
// Construct a catalog from its entries:
//
//	cat := catalog.New(
//	   catalog.Entry{ID: "org.example.Lamp", Adapter: newLampAdapter, Proxy: newLampProxy},
//	   catalog.Entry{ID: "org.example.Door", Adapter: newDoorAdapter},
//	)
//
// Entries are sorted by ID when the catalog is built, and lookups use binary
// search. A catalog is immutable once built, and safe for concurrent use.
//
// Bind the catalog to an engine with UseRegistry:
//
//	e := capmesh.NewEngine().UseRegistry(cat)
//
// Looking up an ID that is not in the catalog is a normal outcome, signaling
// that there is no built-in implementation of the capability.
package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/creachadair/capmesh"
)

// An Entry associates a capability with its adapter and proxy constructors.
// Either constructor may be nil if that side is not implemented.
type Entry struct {
	ID      string
	Adapter capmesh.AdapterFunc
	Proxy   capmesh.ProxyFunc
}

// A Catalog is a sorted table of entries. The zero value is an empty catalog
// ready for use.
type Catalog struct {
	entries []Entry
}

var _ capmesh.Registry = (*Catalog)(nil)

// New constructs a catalog from the given entries. New panics if any entry
// has an empty ID, or if two entries share an ID.
func New(entries ...Entry) *Catalog {
	es := slices.Clone(entries)
	slices.SortFunc(es, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	for i, e := range es {
		if e.ID == "" {
			panic("catalog: empty capability ID")
		} else if i > 0 && es[i-1].ID == e.ID {
			panic(fmt.Sprintf("catalog: duplicate capability ID %q", e.ID))
		}
	}
	return &Catalog{entries: es}
}

func (c *Catalog) find(id string) (int, bool) {
	if c == nil {
		return 0, false
	}
	return slices.BinarySearchFunc(c.entries, id, func(e Entry, id string) int {
		return strings.Compare(e.ID, id)
	})
}

// Len reports the number of entries in c.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Has reports whether c has an entry for id.
func (c *Catalog) Has(id string) bool { _, ok := c.find(id); return ok }

// Lookup returns the entry for id, and reports whether it was found.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.find(id)
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// AdapterFor implements part of the capmesh.Registry interface. It reports
// false if id is not in c, or its entry has no adapter.
func (c *Catalog) AdapterFor(id string) (capmesh.AdapterFunc, bool) {
	e, ok := c.Lookup(id)
	return e.Adapter, ok && e.Adapter != nil
}

// ProxyFor implements part of the capmesh.Registry interface. It reports
// false if id is not in c, or its entry has no proxy.
func (c *Catalog) ProxyFor(id string) (capmesh.ProxyFunc, bool) {
	e, ok := c.Lookup(id)
	return e.Proxy, ok && e.Proxy != nil
}

// IDs returns the capability IDs of c in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.ID
	}
	return ids
}

// With returns a new catalog containing the entries of c and the given
// entries. It panics if the result would contain duplicate IDs.
func (c *Catalog) With(entries ...Entry) *Catalog {
	if c == nil {
		return New(entries...)
	}
	return New(append(slices.Clone(c.entries), entries...)...)
}
