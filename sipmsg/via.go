package sipmsg

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
	"github.com/sipmesh/dispatcher/sipaddr"
)

// BranchMagicCookie prefixes every branch parameter generated by this
// stack, per RFC 3261 §8.1.1.7; its presence is what lets tid derivation
// key on the branch instead of falling back to Call-ID.
const BranchMagicCookie = "z9hG4bK"

// ErrMalformedVia is returned when a Via header value fails to parse.
const ErrMalformedVia errutil.Error = "sipmsg: malformed Via header"

// ViaHop is one parsed "Via: SIP/2.0/proto host:port;params" hop.
type ViaHop struct {
	Proto  sipaddr.Proto
	Host   string
	Port   uint16 // 0 means "use Proto's default port"
	Params Params
}

// ParseVia parses a single Via header value (no comma-separated multi-hop
// support; this stack always emits/consumes one hop per header line).
func ParseVia(value string) (ViaHop, error) {
	value = strings.TrimSpace(value)
	sp := strings.IndexByte(value, ' ')
	if sp < 0 {
		return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q", ErrMalformedVia, value))
	}
	sentProtocol, rest := value[:sp], strings.TrimSpace(value[sp+1:])
	parts := strings.Split(sentProtocol, "/")
	if len(parts) != 3 {
		return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q: bad sent-protocol", ErrMalformedVia, value))
	}

	var v ViaHop
	v.Proto = sipaddr.Proto(strings.ToLower(parts[2]))

	if i := strings.IndexByte(rest, ';'); i >= 0 {
		v.Params = ParseParams(rest[i+1:])
		rest = rest[:i]
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q: unterminated IPv6 literal", ErrMalformedVia, value))
		}
		v.Host = rest[:end+1]
		rest = rest[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.ParseUint(rest[1:], 10, 16)
			if err != nil {
				return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q: bad port", ErrMalformedVia, value))
			}
			v.Port = uint16(port)
		}
	} else if i := strings.IndexByte(rest, ':'); i >= 0 {
		v.Host = rest[:i]
		port, err := strconv.ParseUint(rest[i+1:], 10, 16)
		if err != nil {
			return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q: bad port", ErrMalformedVia, value))
		}
		v.Port = uint16(port)
	} else {
		v.Host = rest
	}

	if v.Host == "" {
		return ViaHop{}, errtrace.Wrap(fmt.Errorf("%w: %q: empty sent-by host", ErrMalformedVia, value))
	}

	return v, nil
}

func (v ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(strings.ToUpper(string(v.Proto)))
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(v.Port), 10))
	}
	sb.WriteString(v.Params.String())
	return sb.String()
}

// Branch returns the branch param, if any.
func (v ViaHop) Branch() (string, bool) { return v.Params.Get("branch") }

// Received returns the received= param, if any.
func (v ViaHop) Received() (string, bool) { return v.Params.Get("received") }

// RPort returns the rport param's value and whether rport was present at
// all (RFC 3581: a bare ";rport" has HasValue=false, value="").
func (v ViaHop) RPort() (value string, present bool) { return v.Params.Get("rport") }

// WithReceived returns a copy of v with received= set to host.
func (v ViaHop) WithReceived(host string) ViaHop {
	v.Params = v.Params.Clone().Set("received", host)
	return v
}

// WithRPort returns a copy of v with rport set to port, whether or not v
// already carried rport; the RFC 3581 §4 check for a bare rport flag is
// made by the caller (leg's ForwardIncoming).
func (v ViaHop) WithRPort(port uint16) ViaHop {
	v.Params = v.Params.Clone().Set("rport", strconv.FormatUint(uint64(port), 10))
	return v
}

// Clone returns an independent copy of v.
func (v ViaHop) Clone() ViaHop {
	v.Params = v.Params.Clone()
	return v
}
