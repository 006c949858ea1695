package sipmsg

import (
	"iter"

	"github.com/sipmesh/dispatcher/internal/stringutils"
)

// Header is one name/value pair from a packet's header list. Name
// comparisons throughout this package are case-insensitive; Name itself
// retains whatever case it was constructed or parsed with, so
// serialization preserves the wire form.
type Header struct {
	Name  string
	Value string
}

// HeaderList is the ordered, case-insensitive header list shared by
// Request and Response, matching the core packet data model.
type HeaderList []Header

// Add appends a header to the end of the list.
func (hl HeaderList) Add(name, value string) HeaderList {
	return append(hl, Header{Name: name, Value: value})
}

// Prepend inserts a header at the front of the list (used for Via, which
// RFC 3261 requires the sending leg to add as the new topmost hop).
func (hl HeaderList) Prepend(name, value string) HeaderList {
	out := make(HeaderList, 0, len(hl)+1)
	out = append(out, Header{Name: name, Value: value})
	return append(out, hl...)
}

// PrependAfter inserts name/value immediately after the first header
// named after (case-insensitive), or at the front if after is absent.
func (hl HeaderList) PrependAfter(after, name, value string) HeaderList {
	for i, h := range hl {
		if stringutils.EqFold(h.Name, after) {
			out := make(HeaderList, 0, len(hl)+1)
			out = append(out, hl[:i+1]...)
			out = append(out, Header{Name: name, Value: value})
			out = append(out, hl[i+1:]...)
			return out
		}
	}
	return hl.Prepend(name, value)
}

// Get returns the value of the first header named name.
func (hl HeaderList) Get(name string) (string, bool) {
	for _, h := range hl {
		if stringutils.EqFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// GetAll returns the values of every header named name, in order.
func (hl HeaderList) GetAll(name string) []string {
	var out []string
	for _, h := range hl {
		if stringutils.EqFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// RemoveFirst removes the first header named name, reporting whether one
// was found.
func (hl HeaderList) RemoveFirst(name string) (HeaderList, bool) {
	for i, h := range hl {
		if stringutils.EqFold(h.Name, name) {
			out := make(HeaderList, 0, len(hl)-1)
			out = append(out, hl[:i]...)
			out = append(out, hl[i+1:]...)
			return out, true
		}
	}
	return hl, false
}

// Remove removes every header named name.
func (hl HeaderList) Remove(name string) HeaderList {
	out := hl[:0:0]
	for _, h := range hl {
		if !stringutils.EqFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// Set replaces every header named name with a single header carrying value,
// inserted at the position of the first existing occurrence (or appended).
func (hl HeaderList) Set(name, value string) HeaderList {
	found := false
	out := make(HeaderList, 0, len(hl)+1)
	for _, h := range hl {
		if stringutils.EqFold(h.Name, name) {
			if found {
				continue
			}
			out = append(out, Header{Name: name, Value: value})
			found = true
			continue
		}
		out = append(out, h)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// All ranges over every header in order.
func (hl HeaderList) All() iter.Seq[Header] {
	return func(yield func(Header) bool) {
		for _, h := range hl {
			if !yield(h) {
				return
			}
		}
	}
}

// Clone returns an independent copy of hl.
func (hl HeaderList) Clone() HeaderList {
	if hl == nil {
		return nil
	}
	out := make(HeaderList, len(hl))
	copy(out, hl)
	return out
}
