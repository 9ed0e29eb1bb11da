// ABOUTME: Matrix transport behind the device-verification state machine
// ABOUTME: Bridges verify.Transport onto mautrix's verification helper

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/webhook-bridge/internal/verify"
)

// verificationEventTypes is the set of to-device events fed to the
// verification machine.
var verificationEventTypes = []event.Type{
	event.ToDeviceVerificationRequest,
	event.ToDeviceVerificationStart,
	event.ToDeviceVerificationKey,
	event.ToDeviceVerificationMAC,
	event.ToDeviceVerificationCancel,
	event.ToDeviceVerificationDone,
}

// matrixVerifier implements verify.Transport on top of the mautrix
// verification helper. The helper owns the cryptographic protocol; this
// type only relays the machine's decisions and collects the helper's
// callbacks (the derived emoji, cancellations) for the machine to read
// back.
type matrixVerifier struct {
	client *mautrix.Client
	helper *verificationhelper.VerificationHelper
	logger *slog.Logger

	mu sync.Mutex
	// sas holds the emoji delivered by the ShowSAS callback, keyed by
	// transaction. The helper's event handlers run before the machine's
	// on the same sync response, so by the time the machine asks for the
	// short auth string the entry exists.
	sas map[string][]verify.Emoji
	// gone marks transactions the helper has cancelled underneath us.
	gone map[string]bool
}

func newMatrixVerifier(ctx context.Context, client *mautrix.Client, mach *crypto.OlmMachine, logger *slog.Logger) (*matrixVerifier, error) {
	v := &matrixVerifier{
		client: client,
		logger: logger,
		sas:    make(map[string][]verify.Emoji),
		gone:   make(map[string]bool),
	}
	v.helper = verificationhelper.NewVerificationHelper(client, mach, nil, v, false, false, true)
	if err := v.helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing verification helper: %w", err)
	}
	return v, nil
}

// SendReady answers a verification request directly over to-device
// messaging, echoing the requested methods back to the asking device.
func (v *matrixVerifier) SendReady(ctx context.Context, txnID, toUser, toDevice string, methods []string) error {
	wireMethods := make([]event.VerificationMethod, len(methods))
	for i, m := range methods {
		wireMethods[i] = event.VerificationMethod(m)
	}
	content := &event.VerificationReadyEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{
			TransactionID: id.VerificationTransactionID(txnID),
		},
		FromDevice: v.client.DeviceID,
		Methods:    wireMethods,
	}
	return v.sendToDevice(ctx, event.ToDeviceVerificationReady, toUser, toDevice, content)
}

// AcceptMethod accepts the transaction through the helper, which takes
// over the accept/key exchange from here.
func (v *matrixVerifier) AcceptMethod(ctx context.Context, txnID string) error {
	return v.helper.AcceptVerification(ctx, id.VerificationTransactionID(txnID))
}

// ShortAuthString returns the emoji the helper derived for the
// transaction.
func (v *matrixVerifier) ShortAuthString(ctx context.Context, txnID string) ([]verify.Emoji, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sas, ok := v.sas[txnID]
	if !ok {
		return nil, fmt.Errorf("no short auth string derived for transaction %s", txnID)
	}
	return sas, nil
}

// ConfirmSAS confirms the emoji match. The helper computes and
// transmits our MAC as part of the confirmation.
func (v *matrixVerifier) ConfirmSAS(ctx context.Context, txnID string) error {
	return v.helper.ConfirmSAS(ctx, id.VerificationTransactionID(txnID))
}

// ExchangeMAC reports whether the MAC round-trip can still complete.
// The helper already sent our MAC during confirmation, so the only work
// left is detecting a transaction it discarded in the meantime.
func (v *matrixVerifier) ExchangeMAC(ctx context.Context, txnID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gone[txnID] {
		return verify.ErrTransactionGone
	}
	return nil
}

// SendDone acknowledges the peer's completion signal.
func (v *matrixVerifier) SendDone(ctx context.Context, txnID, toUser, toDevice string) error {
	content := &event.VerificationDoneEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{
			TransactionID: id.VerificationTransactionID(txnID),
		},
	}
	return v.sendToDevice(ctx, event.ToDeviceVerificationDone, toUser, toDevice, content)
}

func (v *matrixVerifier) sendToDevice(ctx context.Context, evType event.Type, toUser, toDevice string, content any) error {
	_, err := v.client.SendToDevice(ctx, evType, &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			id.UserID(toUser): {
				id.DeviceID(toDevice): {Parsed: content},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending %s: %w", evType.Type, err)
	}
	return nil
}

// VerificationRequested implements the helper callback interface. The
// reply is driven by the state machine, not from here.
func (v *matrixVerifier) VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	v.logger.Debug("verification helper observed request",
		"transaction", txnID.String(), "from", from.String(), "device", fromDevice.String())
}

func (v *matrixVerifier) VerificationReady(ctx context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID) {
	v.logger.Debug("verification helper ready",
		"transaction", txnID.String(), "device", otherDeviceID.String())
}

// ShowSAS caches the derived emoji so the machine can log them and
// decide to confirm.
func (v *matrixVerifier) ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int) {
	sas := make([]verify.Emoji, len(emojis))
	for i, r := range emojis {
		desc := ""
		if i < len(emojiDescriptions) {
			desc = emojiDescriptions[i]
		}
		sas[i] = verify.Emoji{Symbol: string(r), Description: desc}
	}
	v.mu.Lock()
	v.sas[txnID.String()] = sas
	v.mu.Unlock()
}

// VerificationCancelled marks the transaction gone so a MAC arriving
// after the helper dropped the handshake is not treated as progress.
func (v *matrixVerifier) VerificationCancelled(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	v.mu.Lock()
	v.gone[txnID.String()] = true
	delete(v.sas, txnID.String())
	v.mu.Unlock()
	v.logger.Debug("verification helper cancelled transaction",
		"transaction", txnID.String(), "code", string(code), "reason", reason)
}

// VerificationDone releases the per-transaction caches.
func (v *matrixVerifier) VerificationDone(ctx context.Context, txnID id.VerificationTransactionID) {
	v.mu.Lock()
	delete(v.sas, txnID.String())
	delete(v.gone, txnID.String())
	v.mu.Unlock()
}

// translateVerificationEvent maps a to-device event onto the closed
// union the machine consumes. Unparseable or foreign event types come
// back as KindUnknown and are dropped by the machine.
func translateVerificationEvent(evt *event.Event) verify.Event {
	ev := verify.Event{
		Kind:   verify.KindUnknown,
		Sender: evt.Sender.String(),
	}

	switch content := evt.Content.Parsed.(type) {
	case *event.VerificationRequestEventContent:
		ev.Kind = verify.KindRequest
		ev.TransactionID = content.TransactionID.String()
		ev.FromDevice = content.FromDevice.String()
		ev.Methods = methodStrings(content.Methods)
	case *event.VerificationStartEventContent:
		ev.Kind = verify.KindStart
		ev.TransactionID = content.TransactionID.String()
		ev.FromDevice = content.FromDevice.String()
		ev.SASMethods = sasMethodStrings(content.ShortAuthenticationString)
	case *event.VerificationKeyEventContent:
		ev.Kind = verify.KindKey
		ev.TransactionID = content.TransactionID.String()
	case *event.VerificationMACEventContent:
		ev.Kind = verify.KindMAC
		ev.TransactionID = content.TransactionID.String()
	case *event.VerificationCancelEventContent:
		ev.Kind = verify.KindCancel
		ev.TransactionID = content.TransactionID.String()
		ev.CancelCode = string(content.Code)
		ev.CancelReason = content.Reason
	case *event.VerificationDoneEventContent:
		ev.Kind = verify.KindDone
		ev.TransactionID = content.TransactionID.String()
	}

	return ev
}

func methodStrings(methods []event.VerificationMethod) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}

func sasMethodStrings(methods []event.SASMethod) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}
