package wallet

import (
	"errors"
	"testing"

	"meshpay/internal/storage"
)

func TestDebitAndCredit(t *testing.T) {
	w, err := New(Options{InitialBalance: 100})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	before, after, err := w.Debit(30)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if before != 100 || after != 70 {
		t.Fatalf("expected 100->70, got %d->%d", before, after)
	}
	if _, err := w.Credit(5); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := w.Balance(); got != 75 {
		t.Fatalf("expected 75, got %d", got)
	}
}

func TestDebitInsufficient(t *testing.T) {
	w, err := New(Options{InitialBalance: 10})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := w.Debit(11); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := w.Balance(); got != 10 {
		t.Fatalf("failed debit must not change balance, got %d", got)
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	w, err := New(Options{InitialBalance: 10})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := w.Debit(0); err == nil {
		t.Fatal("expected error for zero debit")
	}
	if _, err := w.Credit(-5); err == nil {
		t.Fatal("expected error for negative credit")
	}
}

func TestBalanceSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	w, err := New(Options{Store: store, InitialBalance: 100})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := w.Debit(40); err != nil {
		t.Fatalf("debit: %v", err)
	}

	reopened, err := New(Options{Store: store, InitialBalance: 100})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Balance(); got != 60 {
		t.Fatalf("expected persisted balance 60, got %d", got)
	}
}
