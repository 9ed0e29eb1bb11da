// ABOUTME: State machine for the SAS/emoji device-verification handshake
// ABOUTME: Consumes a closed to-device event union and drives a Transport

package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
)

// ErrTransactionGone is returned by a Transport when the underlying
// library has already discarded the transaction, typically because the
// peer cancelled while our reply was in flight. The machine logs it and
// stops working on that transaction; there is no retry.
var ErrTransactionGone = errors.New("verification transaction no longer exists")

// MethodEmoji is the short-authentication-string method the bridge
// auto-accepts. Instances offering only other methods are abandoned.
const MethodEmoji = "emoji"

// maxTombstones caps how many terminated transactions are retained to
// absorb late events. Oldest-first eviction keeps the map bounded no
// matter how many handshakes a peer starts and abandons.
const maxTombstones = 256

// Kind tags the closed union of verification event types.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindStart
	KindKey
	KindMAC
	KindCancel
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindStart:
		return "start"
	case KindKey:
		return "key"
	case KindMAC:
		return "mac"
	case KindCancel:
		return "cancel"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one verification to-device event, already translated out of
// the wire format.
type Event struct {
	Kind          Kind
	TransactionID string
	Sender        string
	FromDevice    string

	// Methods carries the verification methods from a request event.
	Methods []string
	// SASMethods carries the short-auth-string methods offered by a
	// start event.
	SASMethods []string

	// Cancel details.
	CancelCode   string
	CancelReason string
}

// State is the lifecycle position of one transaction.
type State int

const (
	StateRequested State = iota
	StateStarted
	StateKeyExchanged
	StateMacExchanged
	StateVerified
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateStarted:
		return "started"
	case StateKeyExchanged:
		return "key-exchanged"
	case StateMacExchanged:
		return "mac-exchanged"
	case StateVerified:
		return "verified"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateVerified || s == StateCancelled || s == StateTimedOut
}

// Emoji is one element of the short authentication string shown to the
// operator.
type Emoji struct {
	Symbol      string
	Description string
}

// Transaction is the tracked state of one verification handshake.
type Transaction struct {
	ID         string
	Sender     string
	PeerDevice string
	State      State
	SAS        []Emoji
}

// Transport is the machine's outbound interface. Implementations defer
// the cryptographic work to the Matrix library; the machine only decides
// when each step happens.
type Transport interface {
	// SendReady replies to a verification request, echoing the
	// transaction id and the requested methods.
	SendReady(ctx context.Context, txnID, toUser, toDevice string, methods []string) error
	// AcceptMethod accepts the emoji method offered by a start event.
	AcceptMethod(ctx context.Context, txnID string) error
	// ShortAuthString returns the emoji derived for the transaction
	// after the key exchange.
	ShortAuthString(ctx context.Context, txnID string) ([]Emoji, error)
	// ConfirmSAS confirms the short authentication string matches.
	ConfirmSAS(ctx context.Context, txnID string) error
	// ExchangeMAC computes and sends the MAC to-device message. Returns
	// ErrTransactionGone when the transaction was already cancelled or
	// is in a protocol-invalid state.
	ExchangeMAC(ctx context.Context, txnID string) error
	// SendDone acknowledges handshake completion.
	SendDone(ctx context.Context, txnID, toUser, toDevice string) error
}

// Machine tracks verification transactions and applies the handshake
// transitions. Events within one transaction are processed in the order
// the transport delivers them; distinct transactions never share state.
type Machine struct {
	transport Transport
	logger    *slog.Logger

	mu           sync.Mutex
	transactions map[string]*Transaction
	// tombstones lists terminated transaction ids oldest first, for
	// bounded eviction.
	tombstones []string
}

// NewMachine creates a machine sending through the given transport.
func NewMachine(transport Transport, logger *slog.Logger) *Machine {
	return &Machine{
		transport:    transport,
		logger:       logger,
		transactions: make(map[string]*Transaction),
	}
}

// Handle processes one verification event. It never panics and never
// returns an error: anything raised while handling the event is logged
// and dropped so the caller's event loop keeps running.
func (m *Machine) Handle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while handling verification event",
				"kind", ev.Kind.String(),
				"transaction", ev.TransactionID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	m.handle(ctx, ev)
}

// Transaction returns a snapshot of the tracked transaction, if any.
func (m *Machine) Transaction(txnID string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[txnID]
	if !ok {
		return Transaction{}, false
	}
	snapshot := *txn
	snapshot.SAS = append([]Emoji(nil), txn.SAS...)
	return snapshot, true
}

func (m *Machine) handle(ctx context.Context, ev Event) {
	if ev.Kind == KindUnknown {
		m.logger.Debug("ignoring unrecognized to-device event",
			"transaction", ev.TransactionID, "sender", ev.Sender)
		return
	}
	if ev.TransactionID == "" {
		m.logger.Warn("verification event without transaction id, ignoring",
			"kind", ev.Kind.String(), "sender", ev.Sender)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.transactions[ev.TransactionID]
	if txn != nil && txn.State.terminal() {
		// Terminal transactions stay in the map as tombstones: a late
		// or replayed event must not resurrect a finished handshake.
		m.logger.Debug("event for terminated verification transaction, ignoring",
			"kind", ev.Kind.String(),
			"transaction", ev.TransactionID,
			"state", txn.State.String())
		return
	}

	switch ev.Kind {
	case KindRequest:
		m.handleRequest(ctx, ev)
	case KindStart:
		m.handleStart(ctx, ev, txn)
	case KindKey:
		m.handleKey(ctx, ev, txn)
	case KindMAC:
		m.handleMAC(ctx, ev, txn)
	case KindCancel:
		m.handleCancel(ev, txn)
	case KindDone:
		m.handleDone(ctx, ev, txn)
	}

	// A transaction reaching a terminal state here becomes a tombstone.
	// The early return above means this fires exactly once per
	// transaction, so the list never holds duplicates of a live entry.
	if txn := m.transactions[ev.TransactionID]; txn != nil && txn.State.terminal() {
		m.recordTombstone(ev.TransactionID)
	}
}

// recordTombstone retains the terminated transaction and evicts the
// oldest tombstone beyond the cap.
func (m *Machine) recordTombstone(txnID string) {
	m.tombstones = append(m.tombstones, txnID)
	if len(m.tombstones) > maxTombstones {
		evicted := m.tombstones[0]
		m.tombstones = m.tombstones[1:]
		delete(m.transactions, evicted)
	}
}

func (m *Machine) handleRequest(ctx context.Context, ev Event) {
	m.logger.Info("received verification request",
		"transaction", ev.TransactionID,
		"sender", ev.Sender,
		"device", ev.FromDevice)

	txn := &Transaction{
		ID:         ev.TransactionID,
		Sender:     ev.Sender,
		PeerDevice: ev.FromDevice,
		State:      StateRequested,
	}
	m.transactions[ev.TransactionID] = txn

	if err := m.transport.SendReady(ctx, ev.TransactionID, ev.Sender, ev.FromDevice, ev.Methods); err != nil {
		m.logger.Error("failed to send verification ready",
			"transaction", ev.TransactionID, "error", err)
		delete(m.transactions, ev.TransactionID)
	}
}

func (m *Machine) handleStart(ctx context.Context, ev Event, txn *Transaction) {
	// A start may arrive without a preceding request when the peer
	// initiates directly; track it from here.
	if txn == nil {
		txn = &Transaction{
			ID:         ev.TransactionID,
			Sender:     ev.Sender,
			PeerDevice: ev.FromDevice,
			State:      StateRequested,
		}
		m.transactions[ev.TransactionID] = txn
	}

	if !containsMethod(ev.SASMethods, MethodEmoji) {
		m.logger.Warn("peer device does not support emoji verification, abandoning",
			"transaction", ev.TransactionID,
			"offered", strings.Join(ev.SASMethods, ","))
		return
	}

	if err := m.transport.AcceptMethod(ctx, ev.TransactionID); err != nil {
		m.logger.Error("failed to accept verification method",
			"transaction", ev.TransactionID, "error", err)
		return
	}
	txn.State = StateStarted
}

func (m *Machine) handleKey(ctx context.Context, ev Event, txn *Transaction) {
	if txn == nil || txn.State != StateStarted {
		m.logger.Warn("verification key event out of order, ignoring",
			"transaction", ev.TransactionID)
		return
	}

	sas, err := m.transport.ShortAuthString(ctx, ev.TransactionID)
	if err != nil {
		m.logger.Error("failed to derive short auth string",
			"transaction", ev.TransactionID, "error", err)
		return
	}
	txn.SAS = sas

	m.logger.Info("compare these emoji on the other device",
		"transaction", ev.TransactionID,
		"emoji", formatSAS(sas))

	if err := m.transport.ConfirmSAS(ctx, ev.TransactionID); err != nil {
		m.logger.Error("failed to confirm short auth string",
			"transaction", ev.TransactionID, "error", err)
		return
	}
	txn.State = StateKeyExchanged
}

func (m *Machine) handleMAC(ctx context.Context, ev Event, txn *Transaction) {
	if txn == nil || txn.State != StateKeyExchanged {
		m.logger.Warn("verification mac event out of order, ignoring",
			"transaction", ev.TransactionID)
		return
	}

	if err := m.transport.ExchangeMAC(ctx, ev.TransactionID); err != nil {
		if errors.Is(err, ErrTransactionGone) {
			m.logger.Warn("transaction cancelled or invalid during mac exchange",
				"transaction", ev.TransactionID)
		} else {
			m.logger.Error("failed to exchange verification mac",
				"transaction", ev.TransactionID, "error", err)
		}
		return
	}

	// The MAC round-trip is the last protocol step; a successful
	// exchange moves straight through MacExchanged to Verified.
	txn.State = StateVerified
	m.logger.Info("emoji verification successful",
		"transaction", ev.TransactionID,
		"device", txn.PeerDevice)
}

func (m *Machine) handleCancel(ev Event, txn *Transaction) {
	m.logger.Warn("verification cancelled by peer",
		"transaction", ev.TransactionID,
		"sender", ev.Sender,
		"code", ev.CancelCode,
		"reason", ev.CancelReason)

	if txn == nil {
		txn = &Transaction{ID: ev.TransactionID, Sender: ev.Sender}
		m.transactions[ev.TransactionID] = txn
	}
	if ev.CancelCode == "m.timeout" {
		txn.State = StateTimedOut
	} else {
		txn.State = StateCancelled
	}
	txn.SAS = nil
}

func (m *Machine) handleDone(ctx context.Context, ev Event, txn *Transaction) {
	if txn == nil || txn.State != StateRequested {
		m.logger.Warn("verification done event out of order, ignoring",
			"transaction", ev.TransactionID)
		return
	}

	if err := m.transport.SendDone(ctx, ev.TransactionID, txn.Sender, txn.PeerDevice); err != nil {
		m.logger.Error("failed to send verification done",
			"transaction", ev.TransactionID, "error", err)
		return
	}
	txn.State = StateVerified
	m.logger.Info("verification completed by peer",
		"transaction", ev.TransactionID, "device", txn.PeerDevice)
}

func containsMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func formatSAS(sas []Emoji) string {
	parts := make([]string, len(sas))
	for i, e := range sas {
		parts[i] = fmt.Sprintf("%s (%s)", e.Symbol, e.Description)
	}
	return strings.Join(parts, " ")
}
