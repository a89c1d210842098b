package payment

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"meshpay/internal/metrics"
	"meshpay/internal/wallet"
)

func bareManager(t *testing.T, w *wallet.Wallet) *Manager {
	t.Helper()
	seen, err := newNonceSet()
	if err != nil {
		t.Fatalf("nonce set: %v", err)
	}
	return &Manager{
		wallet:        w,
		log:           zap.NewNop(),
		metrics:       metrics.New(),
		sessions:      make(map[string]*Session),
		timers:        make(map[string]*time.Timer),
		byTransaction: make(map[string]string),
		seenNonces:    seen,
	}
}

func TestCheckTransactionRejectsReplayAndMismatch(t *testing.T) {
	m := &Manager{}
	seen, err := newNonceSet()
	if err != nil {
		t.Fatalf("nonce set: %v", err)
	}
	m.seenNonces = seen

	tx := transactionPayload{
		ID:            "tx-1",
		RequestID:     "req-1",
		Amount:        50,
		Nonce:         7,
		BalanceBefore: 100,
		BalanceAfter:  50,
	}
	if err := m.checkTransaction("peer-a", 50, tx); err != nil {
		t.Fatalf("valid transaction rejected: %v", err)
	}
	if err := m.checkTransaction("peer-a", 50, tx); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
	// same nonce from a different peer is a different key
	if err := m.checkTransaction("peer-b", 50, tx); err != nil {
		t.Fatalf("per-peer nonce space: %v", err)
	}

	tx.Nonce = 8
	if err := m.checkTransaction("peer-a", 60, tx); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}

	tx.Nonce = 9
	tx.BalanceAfter = 60
	if err := m.checkTransaction("peer-a", 50, tx); err == nil {
		t.Fatal("inconsistent balance record must be rejected")
	}
}

func TestTerminalRefundsDebitExactlyOnce(t *testing.T) {
	w, err := wallet.New(wallet.Options{})
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	m := bareManager(t, w)
	m.sessions["req-1"] = &Session{
		ID:      "req-1",
		PeerID:  "peer-a",
		Role:    RoleSender,
		Amount:  40,
		Status:  StatusPending,
		Debited: true,
	}

	// expiry and failure racing to close the session must credit once
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.expire("req-1")
			} else {
				m.fail("req-1", "peer rejected")
			}
		}(i)
	}
	wg.Wait()

	if got := w.Balance(); got != 40 {
		t.Fatalf("refund credited %d, want exactly 40", got)
	}
	s, err := m.Get("req-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !s.Status.Terminal() {
		t.Fatalf("session left non-terminal: %v", s.Status)
	}
	if s.Debited {
		t.Fatal("debit flag must clear on the terminal transition")
	}
}

func TestTerminalKeepsDebitOnCompletion(t *testing.T) {
	w, err := wallet.New(wallet.Options{})
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	m := bareManager(t, w)
	m.sessions["req-2"] = &Session{
		ID:      "req-2",
		PeerID:  "peer-a",
		Role:    RoleSender,
		Amount:  40,
		Status:  StatusPending,
		Debited: true,
	}
	m.terminal("req-2", StatusCompleted, "")
	if got := w.Balance(); got != 0 {
		t.Fatalf("completed session must not refund, balance %d", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusRejected, StatusCompleted, StatusFailed, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	for _, s := range []Status{StatusInitiated, StatusPending, StatusAccepted} {
		if s.Terminal() {
			t.Fatalf("%v should not be terminal", s)
		}
	}
}
