// Package wallet holds the device's local balance. Debits are atomic with an
// insufficient-funds check; every change is written through to storage so the
// balance survives restarts.
package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshpay/internal/storage"
)

var ErrInsufficientBalance = errors.New("wallet: insufficient balance")

const balanceKey = "wallet:balance"

type Options struct {
	Store storage.Store
	// InitialBalance seeds a wallet with no persisted state.
	InitialBalance int64
	Logger         *zap.Logger
}

type Wallet struct {
	mu      sync.Mutex
	balance int64
	store   storage.Store
	log     *zap.Logger
}

func New(opts Options) (*Wallet, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := &Wallet{balance: opts.InitialBalance, store: opts.Store, log: log}
	if opts.Store != nil {
		raw, err := opts.Store.Get(context.Background(), balanceKey)
		switch {
		case err == nil:
			if len(raw) != 8 {
				return nil, fmt.Errorf("wallet: corrupt balance record (%d bytes)", len(raw))
			}
			w.balance = int64(binary.BigEndian.Uint64(raw))
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("wallet: load balance: %w", err)
		}
	}
	return w, nil
}

func (w *Wallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Debit withdraws amount and returns the balance before and after. Fails
// without side effects when funds are short.
func (w *Wallet) Debit(amount int64) (before, after int64, err error) {
	if amount <= 0 {
		return 0, 0, fmt.Errorf("wallet: invalid debit amount %d", amount)
	}
	w.mu.Lock()
	if w.balance < amount {
		balance := w.balance
		w.mu.Unlock()
		return balance, balance, ErrInsufficientBalance
	}
	before = w.balance
	w.balance -= amount
	after = w.balance
	w.mu.Unlock()
	w.persist(after)
	return before, after, nil
}

func (w *Wallet) Credit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("wallet: invalid credit amount %d", amount)
	}
	w.mu.Lock()
	w.balance += amount
	after := w.balance
	w.mu.Unlock()
	w.persist(after)
	return after, nil
}

// persist writes the balance through storage. Failures are logged only; the
// in-memory balance stays authoritative.
func (w *Wallet) persist(balance int64) {
	if w.store == nil {
		return
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(balance))
	if err := w.store.Put(context.Background(), balanceKey, raw); err != nil {
		w.log.Warn("persist balance", zap.Error(err))
	}
}
