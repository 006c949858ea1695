package sipmsg

// Method is a SIP request method token.
type Method string

const (
	INVITE   Method = "INVITE"
	ACK      Method = "ACK"
	BYE      Method = "BYE"
	CANCEL   Method = "CANCEL"
	REGISTER Method = "REGISTER"
	OPTIONS  Method = "OPTIONS"
	PRACK    Method = "PRACK"
	SUBSCRIBE Method = "SUBSCRIBE"
	NOTIFY   Method = "NOTIFY"
	REFER    Method = "REFER"
	INFO     Method = "INFO"
	MESSAGE  Method = "MESSAGE"
	UPDATE   Method = "UPDATE"
)

// IsInvite reports whether m is INVITE. The dispatcher's retransmission
// schedule (T1 doubling to a T2 cap, ending at 64·T1) is the same for
// INVITE and non-INVITE requests and does not consult it.
func (m Method) IsInvite() bool { return m == INVITE }
