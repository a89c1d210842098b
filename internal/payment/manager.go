// Package payment drives the payment session state machine on top of the
// delivery layer: request/response negotiation, the signed transaction
// transfer with replay-protected nonces, confirmation matching and expiry.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"meshpay/internal/config"
	"meshpay/internal/delivery"
	"meshpay/internal/metrics"
	"meshpay/internal/storage"
	"meshpay/internal/wallet"
	"meshpay/internal/wire"
)

var (
	ErrUnknownSession  = errors.New("payment: unknown session")
	ErrSessionExpired  = errors.New("payment: session expired")
	ErrBadState        = errors.New("payment: invalid state for operation")
	ErrReplayedNonce   = errors.New("payment: nonce already used")
	ErrAmountMismatch  = errors.New("payment: amount does not match request")
	ErrInvalidAmount   = errors.New("payment: amount must be positive")
	ErrMissingCurrency = errors.New("payment: missing currency")
)

// nonceSetSize bounds the replay set; oldest entries are evicted once full.
const nonceSetSize = 1024

func newNonceSet() (*lru.Cache[string, struct{}], error) {
	return lru.New[string, struct{}](nonceSetSize)
}

const historyPrefix = "payment:session:"

type Event struct {
	Session Session
}

type Options struct {
	LocalID  string
	Delivery *delivery.Layer
	Wallet   *wallet.Wallet
	Store    storage.Store
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Manager struct {
	localID  string
	delivery *delivery.Layer
	wallet   *wallet.Wallet
	store    storage.Store
	cfg      config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	// byTransaction maps a transaction id back to its session id so
	// confirmations can be matched.
	byTransaction map[string]string
	subs          []chan Event

	nonceCounter atomic.Uint64
	seenNonces   *lru.Cache[string, struct{}]
}

func NewManager(opts Options) (*Manager, error) {
	if opts.LocalID == "" {
		return nil, fmt.Errorf("missing local id")
	}
	if opts.Delivery == nil || opts.Wallet == nil {
		return nil, fmt.Errorf("missing collaborators")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.New()
	}
	seen, err := newNonceSet()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		localID:       opts.LocalID,
		delivery:      opts.Delivery,
		wallet:        opts.Wallet,
		store:         opts.Store,
		cfg:           opts.Config,
		log:           log,
		metrics:       mets,
		sessions:      make(map[string]*Session),
		timers:        make(map[string]*time.Timer),
		byTransaction: make(map[string]string),
		seenNonces:    seen,
	}
	m.nonceCounter.Store(uint64(time.Now().UnixNano()))

	opts.Delivery.Handle(wire.TypePaymentRequest, m.onRequest)
	opts.Delivery.Handle(wire.TypePaymentResponse, m.onResponse)
	opts.Delivery.Handle(wire.TypeTransaction, m.onTransaction)
	opts.Delivery.Handle(wire.TypeConfirmation, m.onConfirmation)
	opts.Delivery.Handle(wire.TypeCancellation, m.onCancellation)
	return m, nil
}

// Subscribe returns session snapshots on every state change.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return *s, nil
}

func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// RequestPayment opens a session as sender and sends the signed request. The
// session expires unless the full exchange completes within the configured
// window.
func (m *Manager) RequestPayment(peerID string, amount int64, currency, memo string) (Session, error) {
	if amount <= 0 {
		return Session{}, ErrInvalidAmount
	}
	if currency == "" {
		return Session{}, ErrMissingCurrency
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Role:      RoleSender,
		Amount:    amount,
		Currency:  currency,
		Memo:      memo,
		Status:    StatusInitiated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.PaymentExpiry),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.armExpiry(s.ID, s.ExpiresAt)
	m.publish(*s)

	req := requestPayload{
		ID:        s.ID,
		Amount:    amount,
		Currency:  currency,
		Memo:      memo,
		ExpiresAt: s.ExpiresAt.UnixMilli(),
	}
	if err := m.send(peerID, wire.TypePaymentRequest, req, s.ID); err != nil {
		m.fail(s.ID, "request send failed: "+err.Error())
		return Session{}, err
	}
	return *s, nil
}

// Respond accepts or rejects a received payment request. Rejection is
// immediately terminal.
func (m *Manager) Respond(requestID string, accept bool, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if s.Role != RoleReceiver || s.Status != StatusPending {
		m.mu.Unlock()
		return ErrBadState
	}
	peerID := s.PeerID
	m.mu.Unlock()

	resp := responsePayload{RequestID: requestID, Accepted: accept, Reason: reason}
	if err := m.send(peerID, wire.TypePaymentResponse, resp, requestID); err != nil {
		return err
	}
	if accept {
		m.transition(requestID, StatusAccepted, "")
	} else {
		m.terminal(requestID, StatusRejected, reason)
	}
	return nil
}

// SendTransaction debits the wallet and sends the signed transfer record.
// Normally invoked automatically when the peer accepts; exported so a sender
// can drive the flow by hand.
func (m *Manager) SendTransaction(requestID string) error {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if s.Status == StatusExpired {
		m.mu.Unlock()
		return ErrSessionExpired
	}
	if s.Role != RoleSender || s.Status != StatusAccepted {
		m.mu.Unlock()
		return ErrBadState
	}
	peerID, amount := s.PeerID, s.Amount
	m.mu.Unlock()

	before, after, err := m.wallet.Debit(amount)
	if err != nil {
		m.fail(requestID, err.Error())
		m.cancelRemote(peerID, requestID, err.Error())
		return err
	}
	tx := transactionPayload{
		ID:            uuid.NewString(),
		RequestID:     requestID,
		Amount:        amount,
		Nonce:         m.nonceCounter.Add(1),
		BalanceBefore: before,
		BalanceAfter:  after,
	}
	m.mu.Lock()
	if cur, ok := m.sessions[requestID]; ok {
		cur.TransactionID = tx.ID
		cur.Debited = true
	}
	m.byTransaction[tx.ID] = requestID
	m.mu.Unlock()

	if err := m.send(peerID, wire.TypeTransaction, tx, requestID); err != nil {
		// terminal returns the debit
		m.fail(requestID, "transaction send failed: "+err.Error())
		return err
	}
	m.transition(requestID, StatusPending, "")
	return nil
}

// CancelPayment terminates a non-terminal session and tells the peer.
func (m *Manager) CancelPayment(requestID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return ErrBadState
	}
	peerID := s.PeerID
	m.mu.Unlock()

	m.cancelRemote(peerID, requestID, reason)
	m.terminal(requestID, StatusFailed, reason)
	return nil
}

// onRequest mirrors the sender's session as Pending. Requests that arrive
// already expired are dropped without a trace.
func (m *Manager) onRequest(peerID, _ string, payload []byte) {
	var req requestPayload
	if err := cbor.Unmarshal(payload, &req); err != nil {
		m.log.Debug("drop malformed payment request", zap.String("peer", peerID), zap.Error(err))
		return
	}
	expiresAt := time.UnixMilli(req.ExpiresAt)
	if req.ID == "" || req.Amount <= 0 || time.Now().After(expiresAt) {
		m.log.Debug("drop stale or invalid payment request",
			zap.String("peer", peerID),
			zap.String("request", req.ID))
		return
	}
	s := &Session{
		ID:        req.ID,
		PeerID:    peerID,
		Role:      RoleReceiver,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Memo:      req.Memo,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	m.mu.Lock()
	if _, exists := m.sessions[req.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.sessions[req.ID] = s
	m.mu.Unlock()
	m.armExpiry(s.ID, expiresAt)
	m.publish(*s)
}

func (m *Manager) onResponse(peerID, _ string, payload []byte) {
	var resp responsePayload
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		m.log.Debug("drop malformed payment response", zap.String("peer", peerID), zap.Error(err))
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[resp.RequestID]
	valid := ok && s.Role == RoleSender && s.Status == StatusInitiated && s.PeerID == peerID
	m.mu.Unlock()
	if !valid {
		m.log.Debug("drop unmatched payment response",
			zap.String("peer", peerID),
			zap.String("request", resp.RequestID))
		return
	}
	if !resp.Accepted {
		m.terminal(resp.RequestID, StatusRejected, resp.Reason)
		return
	}
	m.transition(resp.RequestID, StatusAccepted, "")
	if err := m.SendTransaction(resp.RequestID); err != nil {
		m.log.Warn("transaction after acceptance",
			zap.String("request", resp.RequestID),
			zap.Error(err))
	}
}

// onTransaction validates the transfer, applies it to the wallet and sends
// the confirmation. A replayed nonce or wrong amount is rejected, failing the
// session on both sides.
func (m *Manager) onTransaction(peerID, _ string, payload []byte) {
	var tx transactionPayload
	if err := cbor.Unmarshal(payload, &tx); err != nil {
		m.log.Debug("drop malformed transaction", zap.String("peer", peerID), zap.Error(err))
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[tx.RequestID]
	valid := ok && s.Role == RoleReceiver && s.Status == StatusAccepted && s.PeerID == peerID
	m.mu.Unlock()
	if !valid {
		m.log.Debug("drop unmatched transaction",
			zap.String("peer", peerID),
			zap.String("request", tx.RequestID))
		return
	}

	if err := m.checkTransaction(peerID, s.Amount, tx); err != nil {
		m.confirm(peerID, tx.ID, false, err.Error())
		m.terminal(tx.RequestID, StatusFailed, err.Error())
		return
	}
	if _, err := m.wallet.Credit(tx.Amount); err != nil {
		m.confirm(peerID, tx.ID, false, err.Error())
		m.terminal(tx.RequestID, StatusFailed, err.Error())
		return
	}
	m.mu.Lock()
	if cur, ok := m.sessions[tx.RequestID]; ok {
		cur.TransactionID = tx.ID
	}
	m.mu.Unlock()
	m.confirm(peerID, tx.ID, true, "")
	m.terminal(tx.RequestID, StatusCompleted, "")
}

func (m *Manager) checkTransaction(peerID string, expectedAmount int64, tx transactionPayload) error {
	if tx.Amount != expectedAmount {
		return ErrAmountMismatch
	}
	if tx.BalanceBefore-tx.Amount != tx.BalanceAfter {
		return fmt.Errorf("payment: inconsistent balance record")
	}
	nonceKey := peerID + "|" + strconv.FormatUint(tx.Nonce, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.seenNonces.Get(nonceKey); seen {
		return ErrReplayedNonce
	}
	m.seenNonces.Add(nonceKey, struct{}{})
	return nil
}

func (m *Manager) onConfirmation(peerID, _ string, payload []byte) {
	var conf confirmationPayload
	if err := cbor.Unmarshal(payload, &conf); err != nil {
		m.log.Debug("drop malformed confirmation", zap.String("peer", peerID), zap.Error(err))
		return
	}
	m.mu.Lock()
	requestID, ok := m.byTransaction[conf.TransactionID]
	var s *Session
	if ok {
		s = m.sessions[requestID]
	}
	valid := s != nil && s.Role == RoleSender && s.Status == StatusPending && s.PeerID == peerID
	m.mu.Unlock()
	if !valid {
		m.log.Debug("drop unmatched confirmation",
			zap.String("peer", peerID),
			zap.String("tx", conf.TransactionID))
		return
	}
	if conf.Confirmed {
		m.terminal(requestID, StatusCompleted, "")
		return
	}
	// peer rejected the applied transaction; terminal returns the debit
	m.terminal(requestID, StatusFailed, conf.Reason)
}

func (m *Manager) onCancellation(peerID, _ string, payload []byte) {
	var cancel cancellationPayload
	if err := cbor.Unmarshal(payload, &cancel); err != nil {
		m.log.Debug("drop malformed cancellation", zap.String("peer", peerID), zap.Error(err))
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[cancel.RequestID]
	valid := ok && !s.Status.Terminal() && s.PeerID == peerID
	m.mu.Unlock()
	if !valid {
		return
	}
	m.terminal(cancel.RequestID, StatusFailed, "cancelled by peer: "+cancel.Reason)
}

func (m *Manager) confirm(peerID, txID string, confirmed bool, reason string) {
	conf := confirmationPayload{TransactionID: txID, Confirmed: confirmed, Reason: reason}
	if err := m.send(peerID, wire.TypeConfirmation, conf, ""); err != nil {
		m.log.Warn("send confirmation", zap.String("peer", peerID), zap.Error(err))
	}
}

func (m *Manager) cancelRemote(peerID, requestID, reason string) {
	cancel := cancellationPayload{RequestID: requestID, Reason: reason}
	if err := m.send(peerID, wire.TypeCancellation, cancel, ""); err != nil {
		m.log.Debug("send cancellation", zap.String("peer", peerID), zap.Error(err))
	}
}

// send marshals and queues one payment message. Delivery failures after
// queueing fail the owning session asynchronously.
func (m *Manager) send(peerID, msgType string, payload any, sessionID string) error {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return err
	}
	rec, err := m.delivery.Send(peerID, msgType, raw, delivery.SendOptions{ExpectAck: true})
	if err != nil {
		return err
	}
	go func() {
		<-rec.Done()
		if rec.Err() == nil || sessionID == "" {
			return
		}
		m.log.Warn("payment message undelivered",
			zap.String("peer", peerID),
			zap.String("type", msgType),
			zap.Error(rec.Err()))
		m.fail(sessionID, "delivery failed: "+rec.Err().Error())
	}()
	return nil
}

func (m *Manager) armExpiry(sessionID string, expiresAt time.Time) {
	d := time.Until(expiresAt)
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() { m.expire(sessionID) })
	m.mu.Lock()
	if old, ok := m.timers[sessionID]; ok {
		old.Stop()
	}
	m.timers[sessionID] = timer
	m.mu.Unlock()
}

func (m *Manager) expire(sessionID string) {
	m.terminal(sessionID, StatusExpired, "session expired")
}

func (m *Manager) fail(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminal(sessionID, StatusFailed, reason)
}

// transition moves a session to a non-terminal status.
func (m *Manager) transition(sessionID string, status Status, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	s.Status = status
	if reason != "" {
		s.Reason = reason
	}
	snapshot := *s
	m.mu.Unlock()
	m.publish(snapshot)
}

// terminal finalizes a session: stops its expiry timer, records the outcome
// and persists it to history. Terminal sessions stay readable but frozen.
// An outstanding sender debit is returned here, decided under the same lock
// as the transition itself, so racing terminal paths cannot credit twice.
func (m *Manager) terminal(sessionID string, status Status, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	refund := int64(0)
	if s.Debited && status != StatusCompleted {
		refund = s.Amount
	}
	s.Debited = false
	s.Status = status
	if reason != "" {
		s.Reason = reason
	}
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
	snapshot := *s
	m.mu.Unlock()

	if refund > 0 {
		if _, err := m.wallet.Credit(refund); err != nil {
			m.log.Warn("refund on session close", zap.Error(err))
		}
	}

	m.metrics.Payment(status.String())
	m.persistHistory(snapshot)
	m.publish(snapshot)
	m.log.Info("payment session closed",
		zap.String("session", sessionID),
		zap.String("status", status.String()),
		zap.String("reason", reason))
}

// persistHistory writes the terminal session for later inspection. Failures
// are logged only.
func (m *Manager) persistHistory(s Session) {
	if m.store == nil {
		return
	}
	raw, err := cbor.Marshal(s)
	if err != nil {
		m.log.Warn("encode payment history", zap.Error(err))
		return
	}
	if err := m.store.Put(context.Background(), historyPrefix+s.ID, raw); err != nil {
		m.log.Warn("persist payment history", zap.Error(err))
	}
}

func (m *Manager) publish(s Session) {
	m.mu.Lock()
	subs := make([]chan Event, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- Event{Session: s}:
		default:
		}
	}
}
