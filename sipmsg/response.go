package sipmsg

import "braces.dev/errtrace"

// Response is a SIP response packet.
type Response struct {
	common
	StatusCode int
	Reason     string
}

// NewResponse builds a Response with the given status code/reason and
// SIP/2.0 version, an empty header list and no body.
func NewResponse(code int, reason string) *Response {
	return &Response{
		common:     common{Version: "SIP/2.0"},
		StatusCode: code,
		Reason:     reason,
	}
}

// TID derives this response's transaction id from its CSeq method, per
// the (branch, CSeq-method) / (Call-ID, CSeq-method) profile.
func (r *Response) TID() (TID, error) {
	cseq, err := r.CSeq()
	if err != nil {
		return TID{}, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(r.tid(cseq.Method))
}

// IsProvisional reports whether StatusCode is in the 1xx range.
func (r *Response) IsProvisional() bool { return r.StatusCode >= 100 && r.StatusCode < 200 }

// IsFinal reports whether StatusCode is >= 200 (a final response).
func (r *Response) IsFinal() bool { return r.StatusCode >= 200 }

// Is2xx reports whether StatusCode is in the 2xx range.
func (r *Response) Is2xx() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	return &Response{
		common:     r.clone(),
		StatusCode: r.StatusCode,
		Reason:     r.Reason,
	}
}

// SetBody sets the response body.
func (r *Response) SetBody(b []byte) { r.Payload = b }
