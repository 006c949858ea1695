package sipmsg

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
)

// ErrMalformedCSeq is returned when a CSeq header value fails to parse.
const ErrMalformedCSeq errutil.Error = "sipmsg: malformed CSeq header"

// ErrNoVia is returned when an operation requiring a Via header finds none.
const ErrNoVia errutil.Error = "sipmsg: no Via header present"

// Packet is the common surface of Request and Response: an ordered header
// list plus a body, matching the core packet data model (SPEC_FULL.md §5).
type Packet interface {
	HeaderList() HeaderList
	SetHeaderList(HeaderList)
	Body() []byte
	CallID() (string, bool)
	CSeq() (CSeq, error)
	ViaTop() (ViaHop, error)
	TID() (TID, error)
}

// common holds the fields shared by Request and Response.
type common struct {
	Version string
	Headers HeaderList
	Payload []byte
}

func (c *common) HeaderList() HeaderList { return c.Headers }

func (c *common) SetHeaderList(hl HeaderList) { c.Headers = hl }

func (c *common) Body() []byte { return c.Payload }

func (c *common) CallID() (string, bool) {
	return c.Headers.Get("Call-ID")
}

func (c *common) CSeq() (CSeq, error) {
	v, ok := c.Headers.Get("CSeq")
	if !ok {
		return CSeq{}, errtrace.Wrap(fmt.Errorf("sipmsg: no CSeq header"))
	}
	v = strings.TrimSpace(v)
	sp := strings.IndexByte(v, ' ')
	if sp < 0 {
		return CSeq{}, errtrace.Wrap(fmt.Errorf("%w: %q", ErrMalformedCSeq, v))
	}
	seq, err := strconv.ParseUint(v[:sp], 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(fmt.Errorf("%w: %q", ErrMalformedCSeq, v))
	}
	return CSeq{Seq: uint32(seq), Method: Method(strings.TrimSpace(v[sp+1:]))}, nil
}

func (c *common) ViaTop() (ViaHop, error) {
	v, ok := c.Headers.Get("Via")
	if !ok {
		return ViaHop{}, errtrace.Wrap(ErrNoVia)
	}
	return errtrace.Wrap2(ParseVia(v))
}

// PrependVia adds hop as the new topmost Via header. Invariant: exactly
// one Via is added per outgoing request traversal (SPEC_FULL.md §10,
// invariant 1).
func (c *common) PrependVia(hop ViaHop) {
	c.Headers = c.Headers.Prepend("Via", hop.String())
}

// StripTopVia removes the topmost Via header, reporting whether one was
// present. Invariant: exactly one Via is stripped per incoming response
// traversal.
func (c *common) StripTopVia() bool {
	hl, ok := c.Headers.RemoveFirst("Via")
	c.Headers = hl
	return ok
}

func (c *common) tid(method Method) (TID, error) {
	if hop, err := c.ViaTop(); err == nil {
		if branch, ok := hop.Branch(); ok && strings.HasPrefix(branch, BranchMagicCookie) {
			return TID{Key: branch, Method: method}, nil
		}
	}
	callID, ok := c.CallID()
	if !ok {
		return TID{}, errtrace.Wrap(fmt.Errorf("sipmsg: cannot derive tid: no branch and no Call-ID"))
	}
	return TID{Key: callID, Method: method}, nil
}

func (c *common) clone() common {
	return common{
		Version: c.Version,
		Headers: c.Headers.Clone(),
		Payload: append([]byte(nil), c.Payload...),
	}
}
