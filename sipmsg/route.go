package sipmsg

import (
	"fmt"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
)

// ErrMalformedRoute is returned when a Route/Record-Route/Contact header
// value fails to parse.
const ErrMalformedRoute errutil.Error = "sipmsg: malformed route-like header"

// ParseRouteValue parses a "<sip:...>;params" Route/Record-Route/Contact
// value into its URI and any header-level (post-'>') params.
func ParseRouteValue(value string) (uri URI, headerParams Params, err error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "<") {
		// bare URI with no display name / angle brackets
		u, perr := ParseURI(value)
		if perr != nil {
			return URI{}, nil, errtrace.Wrap(perr)
		}
		return u, nil, nil
	}
	end := strings.IndexByte(value, '>')
	if end < 0 {
		return URI{}, nil, errtrace.Wrap(fmt.Errorf("%w: %q: unterminated <...>", ErrMalformedRoute, value))
	}
	u, perr := ParseURI(value[1:end])
	if perr != nil {
		return URI{}, nil, errtrace.Wrap(perr)
	}
	tail := value[end+1:]
	if i := strings.IndexByte(tail, ';'); i >= 0 {
		headerParams = ParseParams(tail[i+1:])
	}
	return u, headerParams, nil
}

// RenderRouteValue renders a Route/Record-Route/Contact header value.
func RenderRouteValue(uri URI, headerParams Params) string {
	var sb strings.Builder
	sb.WriteByte('<')
	sb.WriteString(uri.String())
	sb.WriteByte('>')
	sb.WriteString(headerParams.String())
	return sb.String()
}

// IsLooseRoute reports whether uri carries the "lr" param (RFC 3261 §19.1.1),
// distinguishing loose-routing proxies from strict-routing ones.
func IsLooseRoute(uri URI) bool {
	return uri.Params.Has("lr")
}
