package sipmsg

import (
	"strings"

	"github.com/sipmesh/dispatcher/internal/stringutils"
)

// Param is one semicolon-delimited "name[=value]" token, as found on a
// SIP-URI or on header values like Via, Contact, Route.
type Param struct {
	Name  string
	Value string // empty and HasValue=false for bare flag params (e.g. ";lr")
	HasValue bool
}

// Params is an ordered, case-insensitive list of parameters. Order is
// preserved on serialization because some params (e.g. Via's branch) are
// conventionally written first by this stack's peers, and round-tripping
// an unmodified header should not reorder what it didn't touch.
type Params []Param

// Get returns the value of the first param named name (case-insensitive)
// and whether it was present at all (bare flags return ok=true, value="").
func (ps Params) Get(name string) (value string, ok bool) {
	for _, p := range ps {
		if stringutils.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether a param named name is present.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set adds or replaces the value of the param named name.
func (ps Params) Set(name, value string) Params {
	for i := range ps {
		if stringutils.EqFold(ps[i].Name, name) {
			ps[i].Value = value
			ps[i].HasValue = true
			return ps
		}
	}
	return append(ps, Param{Name: name, Value: value, HasValue: true})
}

// SetFlag adds a bare flag param (no "=value") if not already present.
func (ps Params) SetFlag(name string) Params {
	if ps.Has(name) {
		return ps
	}
	return append(ps, Param{Name: name})
}

// Del removes every param named name, returning the filtered slice.
func (ps Params) Del(name string) Params {
	out := ps[:0]
	for _, p := range ps {
		if !stringutils.EqFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns an independent copy of ps.
func (ps Params) Clone() Params {
	if ps == nil {
		return nil
	}
	out := make(Params, len(ps))
	copy(out, ps)
	return out
}

func (ps Params) String() string {
	if len(ps) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.HasValue {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// ParseParams splits a ";name=value;flag;..." tail into Params. s must not
// include the leading ';' of the first param.
func ParseParams(s string) Params {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	ps := make(Params, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			ps = append(ps, Param{Name: part[:i], Value: part[i+1:], HasValue: true})
		} else {
			ps = append(ps, Param{Name: part})
		}
	}
	return ps
}
