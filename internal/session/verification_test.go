// ABOUTME: Tests for to-device verification event translation
// ABOUTME: Checks the mapping from wire content onto the event union

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/webhook-bridge/internal/verify"
)

func toDeviceEvent(sender string, parsed any) *event.Event {
	return &event.Event{
		Sender:  id.UserID(sender),
		Content: event.Content{Parsed: parsed},
	}
}

func TestTranslateRequest(t *testing.T) {
	evt := toDeviceEvent("@admin:example.org", &event.VerificationRequestEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "txn-1"},
		FromDevice:                "PHONE",
		Methods:                   []event.VerificationMethod{event.VerificationMethodSAS},
	})

	ev := translateVerificationEvent(evt)

	assert.Equal(t, verify.KindRequest, ev.Kind)
	assert.Equal(t, "txn-1", ev.TransactionID)
	assert.Equal(t, "@admin:example.org", ev.Sender)
	assert.Equal(t, "PHONE", ev.FromDevice)
	assert.Equal(t, []string{"m.sas.v1"}, ev.Methods)
}

func TestTranslateStart(t *testing.T) {
	evt := toDeviceEvent("@admin:example.org", &event.VerificationStartEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "txn-2"},
		FromDevice:                "PHONE",
		ShortAuthenticationString: []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji},
	})

	ev := translateVerificationEvent(evt)

	assert.Equal(t, verify.KindStart, ev.Kind)
	assert.Equal(t, []string{"decimal", "emoji"}, ev.SASMethods)
}

func TestTranslateCancel(t *testing.T) {
	evt := toDeviceEvent("@admin:example.org", &event.VerificationCancelEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "txn-3"},
		Code:                      event.VerificationCancelCodeUser,
		Reason:                    "changed my mind",
	})

	ev := translateVerificationEvent(evt)

	assert.Equal(t, verify.KindCancel, ev.Kind)
	assert.Equal(t, "m.user", ev.CancelCode)
	assert.Equal(t, "changed my mind", ev.CancelReason)
}

func TestTranslateKeyMacDone(t *testing.T) {
	cases := []struct {
		parsed any
		kind   verify.Kind
	}{
		{&event.VerificationKeyEventContent{ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "t"}}, verify.KindKey},
		{&event.VerificationMACEventContent{ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "t"}}, verify.KindMAC},
		{&event.VerificationDoneEventContent{ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "t"}}, verify.KindDone},
	}
	for _, tc := range cases {
		ev := translateVerificationEvent(toDeviceEvent("@u:s", tc.parsed))
		assert.Equal(t, tc.kind, ev.Kind)
		assert.Equal(t, "t", ev.TransactionID)
	}
}

func TestTranslateUnknownContent(t *testing.T) {
	ev := translateVerificationEvent(toDeviceEvent("@u:s", &event.MessageEventContent{}))
	if ev.Kind != verify.KindUnknown {
		t.Errorf("unexpected kind %v for foreign content", ev.Kind)
	}
}
