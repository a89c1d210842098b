package payment

import "time"

type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

type Status int

const (
	StatusInitiated Status = iota
	StatusPending
	StatusAccepted
	StatusRejected
	StatusCompleted
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Session is one payment negotiation with a peer, keyed by the request id.
// Terminal sessions are retained for history and never mutated again.
type Session struct {
	ID            string    `cbor:"id"`
	PeerID        string    `cbor:"peer"`
	Role          Role      `cbor:"role"`
	Amount        int64     `cbor:"amount"`
	Currency      string    `cbor:"currency"`
	Memo          string    `cbor:"memo,omitempty"`
	Status        Status    `cbor:"status"`
	CreatedAt     time.Time `cbor:"created_at"`
	ExpiresAt     time.Time `cbor:"expires_at"`
	TransactionID string    `cbor:"tx_id,omitempty"`
	Reason        string    `cbor:"reason,omitempty"`
	// Debited marks a sender session whose wallet debit is still on the
	// table; cleared when the session settles or the debit is returned.
	Debited bool `cbor:"debited,omitempty"`
}

// Wire payloads. These ride inside the encrypted envelope payload; the
// envelope itself carries the signature.

type requestPayload struct {
	ID        string `cbor:"id"`
	Amount    int64  `cbor:"amount"`
	Currency  string `cbor:"currency"`
	Memo      string `cbor:"memo,omitempty"`
	ExpiresAt int64  `cbor:"expires_at"`
}

type responsePayload struct {
	RequestID string `cbor:"request_id"`
	Accepted  bool   `cbor:"accepted"`
	Reason    string `cbor:"reason,omitempty"`
}

type transactionPayload struct {
	ID            string `cbor:"id"`
	RequestID     string `cbor:"request_id"`
	Amount        int64  `cbor:"amount"`
	Nonce         uint64 `cbor:"nonce"`
	BalanceBefore int64  `cbor:"balance_before"`
	BalanceAfter  int64  `cbor:"balance_after"`
}

type confirmationPayload struct {
	TransactionID string `cbor:"tx_id"`
	Confirmed     bool   `cbor:"confirmed"`
	Reason        string `cbor:"reason,omitempty"`
}

type cancellationPayload struct {
	RequestID string `cbor:"request_id"`
	Reason    string `cbor:"reason"`
}
