package sipmsg

import "braces.dev/errtrace"

// Request is a SIP request packet.
type Request struct {
	common
	Method     Method
	RequestURI URI
}

// NewRequest builds a Request with the given method, request-URI and
// SIP/2.0 version, an empty header list and no body.
func NewRequest(method Method, ruri URI) *Request {
	return &Request{
		common:     common{Version: "SIP/2.0"},
		Method:     method,
		RequestURI: ruri,
	}
}

// TID derives this request's transaction id using its own method (a
// request's CSeq method always equals its own Method for non-CANCEL/ACK
// requests; CANCEL and ACK carry their own method in CSeq by construction).
func (r *Request) TID() (TID, error) {
	return errtrace.Wrap2(r.tid(r.Method))
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	return &Request{
		common:     r.clone(),
		Method:     r.Method,
		RequestURI: r.RequestURI.Clone(),
	}
}

// SetBody sets the request body.
func (r *Request) SetBody(b []byte) { r.Payload = b }
