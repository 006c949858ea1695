package sipmsg

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
)

// ErrMalformedURI is returned when a string fails to parse as a SIP-URI.
const ErrMalformedURI errutil.Error = "sipmsg: malformed SIP-URI"

// URI is a sip: or sips: URI, e.g. "sip:alice@example.com:5060;transport=tcp".
// Scanning style grounded on byte-slice SIP-URI parsers in the example
// corpus rather than a full ABNF grammar, since this is the one narrow
// syntax this module must itself parse (see SPEC_FULL.md §6.1).
type URI struct {
	Secure bool // sips:
	User   string
	Pass   string
	Host   string
	Port   uint16 // 0 means "not specified, use protocol default"
	Params Params
	Headers string // raw "?name=value&..." tail, rarely used, kept opaque
}

// ParseURI parses s into a URI.
func ParseURI(s string) (URI, error) {
	var u URI

	rest, ok := strings.CutPrefix(s, "sips:")
	if ok {
		u.Secure = true
	} else {
		rest, ok = strings.CutPrefix(s, "sip:")
		if !ok {
			return URI{}, errtrace.Wrap(fmt.Errorf("%w: %q: missing sip/sips scheme", ErrMalformedURI, s))
		}
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Headers = rest[i+1:]
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, ';'); i >= 0 {
		u.Params = ParseParams(rest[i+1:])
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		rest = rest[i+1:]
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			u.User, u.Pass = userinfo[:j], userinfo[j+1:]
		} else {
			u.User = userinfo
		}
	}

	// host[:port], IPv6 literal bracketed as [::1]:5060
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return URI{}, errtrace.Wrap(fmt.Errorf("%w: %q: unterminated IPv6 literal", ErrMalformedURI, s))
		}
		u.Host = rest[:end+1]
		rest = rest[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.ParseUint(rest[1:], 10, 16)
			if err != nil {
				return URI{}, errtrace.Wrap(fmt.Errorf("%w: %q: bad port", ErrMalformedURI, s))
			}
			u.Port = uint16(port)
		}
	} else if i := strings.IndexByte(rest, ':'); i >= 0 {
		u.Host = rest[:i]
		port, err := strconv.ParseUint(rest[i+1:], 10, 16)
		if err != nil {
			return URI{}, errtrace.Wrap(fmt.Errorf("%w: %q: bad port", ErrMalformedURI, s))
		}
		u.Port = uint16(port)
	} else {
		u.Host = rest
	}

	if u.Host == "" {
		return URI{}, errtrace.Wrap(fmt.Errorf("%w: %q: empty host", ErrMalformedURI, s))
	}

	return u, nil
}

// IsIPLiteral reports whether Host is already a numeric IP (bracketed IPv6
// literals included), i.e. the resolver can skip DNS entirely.
func (u URI) IsIPLiteral() bool {
	h := strings.TrimSuffix(strings.TrimPrefix(u.Host, "["), "]")
	return parseIPLiteral(h)
}

func (u URI) String() string {
	var sb strings.Builder
	if u.Secure {
		sb.WriteString("sips:")
	} else {
		sb.WriteString("sip:")
	}
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Pass != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Pass)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(u.Port), 10))
	}
	sb.WriteString(u.Params.String())
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

// Clone returns an independent deep copy of u.
func (u URI) Clone() URI {
	u.Params = u.Params.Clone()
	return u
}
