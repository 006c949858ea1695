package sipmsg

// TID is the transaction identity used to match a response to its
// outstanding request. When the top Via carries the z9hG4bK magic cookie
// (RFC 3261 §8.1.1.7, always true for branches this stack generates), TID
// is (branch, CSeq-method); otherwise it falls back to (Call-ID,
// CSeq-method) for interop with peers that predate RFC 3261.
type TID struct {
	Key    string // branch (preferred) or Call-ID (fallback)
	Method Method
}

// CSeq is a parsed CSeq header value: "<seq> <method>".
type CSeq struct {
	Seq    uint32
	Method Method
}
