package sipmsg

import (
	"bytes"
	"fmt"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/ioutil"
)

// Serialize renders p to wire bytes, computing a fresh Content-Length from
// the body rather than trusting any Content-Length header already present.
// Writes through a pooled CountingWriter, which keeps the first write
// error; the byte count it tracks is not used or returned.
func Serialize(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	cw := ioutil.GetCountingWriter(&buf)
	defer ioutil.FreeCountingWriter(cw)

	switch v := p.(type) {
	case *Request:
		cw.Fprintf("%s %s %s\r\n", v.Method, v.RequestURI.String(), v.Version)
	case *Response:
		cw.Fprintf("%s %d %s\r\n", v.Version, v.StatusCode, v.Reason)
	default:
		return nil, errtrace.Wrap(fmt.Errorf("sipmsg: Serialize: unsupported packet type %T", p))
	}

	hl := p.HeaderList().Remove("Content-Length")
	for h := range hl.All() {
		cw.Fprintf("%s: %s\r\n", h.Name, h.Value)
	}
	cw.Fprintf("Content-Length: %d\r\n\r\n", len(p.Body()))
	cw.Write(p.Body())

	if _, err := cw.Result(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return buf.Bytes(), nil
}
