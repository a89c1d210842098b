package wire

// Message types routed by the delivery layer. Acks resolve pending sends and
// bypass the crypto path; everything else is verified, decrypted and handed
// to a registered handler.
const (
	TypeAck             = "ack"
	TypePaymentRequest  = "payment.request"
	TypePaymentResponse = "payment.response"
	TypeTransaction     = "payment.transaction"
	TypeConfirmation    = "payment.confirmation"
	TypeCancellation    = "payment.cancellation"
)
