package hostbridge

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nedpals/hce-agent/hce"
)

type bridgeFixture struct {
	store     *hce.MockStore
	selection *hce.SelectionState
	handler   *Handler
	server    *httptest.Server
	conn      *websocket.Conn
}

// newBridgeFixture spins up a handler behind an httptest server and returns
// a connected, registered frontend.
func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	store := hce.NewMockStore()
	selection, err := hce.NewSelectionState(filepath.Join(t.TempDir(), "emulation.json"))
	if err != nil {
		t.Fatalf("NewSelectionState() error: %v", err)
	}

	dispatcher := hce.NewDispatcher(store, selection, hce.NewFakeClock(time.Unix(1735689600, 0)))
	handler := NewHandler(dispatcher, selection, store)
	handler.logger = log.New(io.Discard, "", 0)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f := &bridgeFixture{store: store, selection: selection, handler: handler, server: srv, conn: conn}
	f.register(t)
	return f
}

func (f *bridgeFixture) register(t *testing.T) {
	t.Helper()
	resp := f.roundTrip(t, Request{
		ID:   "reg-1",
		Type: MessageTypeRegisterFrontend,
		Payload: map[string]interface{}{
			"deviceName": "Test Phone",
			"platform":   "android",
			"appVersion": "1.0.0",
		},
	})
	if !resp.Success || resp.Type != MessageTypeRegisterFrontendResponse {
		t.Fatalf("registration response: %+v", resp)
	}
}

func (f *bridgeFixture) roundTrip(t *testing.T, req Request) Response {
	t.Helper()
	if err := f.conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
	return f.read(t)
}

func (f *bridgeFixture) read(t *testing.T) Response {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := f.conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	return resp
}

func (f *bridgeFixture) commandResponseFrame(t *testing.T, resp Response) []byte {
	t.Helper()
	data, err := json.Marshal(resp.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var payload CommandResponsePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload.Frame
}

func TestHandler_RejectsNonRegistrationFirstMessage(t *testing.T) {
	store := hce.NewMockStore()
	selection, err := hce.NewSelectionState(filepath.Join(t.TempDir(), "emulation.json"))
	if err != nil {
		t.Fatal(err)
	}
	handler := NewHandler(hce.NewDispatcher(store, selection, nil), selection, store)
	handler.logger = log.New(io.Discard, "", 0)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Request{Type: MessageTypeCommand}); err != nil {
		t.Fatal(err)
	}

	// The handler closes the connection without registering a session.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after invalid registration")
	}
	if n := handler.SessionCount(); n != 0 {
		t.Errorf("SessionCount() = %d, want 0", n)
	}
}

func TestHandler_CommandRoundTrip(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.Put(&hce.Record{ID: 1, UID: []byte{0x04, 0xA1, 0xB2, 0xC3}, ATS: []byte{0x75, 0x77}})
	if err := f.selection.Activate(1); err != nil {
		t.Fatal(err)
	}

	resp := f.roundTrip(t, Request{
		ID:   "cmd-1",
		Type: MessageTypeCommand,
		Payload: map[string]interface{}{
			"frame": []byte{0x00, 0xCA, 0x00, 0x00},
		},
	})

	if !resp.Success || resp.Type != MessageTypeCommandResponse || resp.ID != "cmd-1" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}

	got := f.commandResponseFrame(t, resp)
	want := []byte{0x04, 0xA1, 0xB2, 0xC3, 0x90, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("response frame = % X, want % X", got, want)
	}
}

func TestHandler_CommandWithoutSelection(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.roundTrip(t, Request{
		ID:      "cmd-1",
		Type:    MessageTypeCommand,
		Payload: map[string]interface{}{"frame": []byte{0x00, 0xCA, 0x00, 0x00}},
	})

	got := f.commandResponseFrame(t, resp)
	if want := []byte{0x6A, 0x82}; !bytes.Equal(got, want) {
		t.Errorf("response frame = % X, want % X", got, want)
	}
}

func TestHandler_SelectAndDeselectCard(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.Put(&hce.Record{ID: 7, UID: []byte{0x04, 0xA1}})

	resp := f.roundTrip(t, Request{
		ID:      "sel-1",
		Type:    MessageTypeSelectCard,
		Payload: map[string]interface{}{"cardID": 7},
	})
	if !resp.Success || resp.Type != MessageTypeSelectCardResponse {
		t.Fatalf("select response: %+v", resp)
	}

	id, ok := f.selection.SelectedCardID()
	if !ok || id != 7 {
		t.Fatalf("SelectedCardID() = (%d, %v), want (7, true)", id, ok)
	}
	if !f.selection.IsActive() {
		t.Error("IsActive() = false after selectCard")
	}

	resp = f.roundTrip(t, Request{ID: "desel-1", Type: MessageTypeDeselectCard})
	if !resp.Success || resp.Type != MessageTypeDeselectCardResponse {
		t.Fatalf("deselect response: %+v", resp)
	}
	if _, ok := f.selection.SelectedCardID(); ok {
		t.Error("selection survived deselectCard")
	}
}

func TestHandler_SelectUnknownCard(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.roundTrip(t, Request{
		ID:      "sel-1",
		Type:    MessageTypeSelectCard,
		Payload: map[string]interface{}{"cardID": 99},
	})

	if resp.Success || resp.Type != MessageTypeError {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "CARD_NOT_FOUND") {
		t.Errorf("Error = %q, want CARD_NOT_FOUND", resp.Error)
	}
	if _, ok := f.selection.SelectedCardID(); ok {
		t.Error("failed selection still wrote the slot")
	}
}

func TestHandler_DeactivationAccountsUsage(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.Put(&hce.Record{ID: 2, UID: []byte{0x04, 0xB2}})
	if err := f.selection.Activate(2); err != nil {
		t.Fatal(err)
	}

	f.roundTrip(t, Request{
		ID:      "cmd-1",
		Type:    MessageTypeCommand,
		Payload: map[string]interface{}{"frame": []byte{0x00, 0xCA, 0x00, 0x00}},
	})

	if err := f.conn.WriteJSON(Request{
		Type:    MessageTypeDeactivated,
		Payload: map[string]interface{}{"reason": ReasonDeselected},
	}); err != nil {
		t.Fatal(err)
	}

	id, ok := f.store.WaitForUsageUpdate(2 * time.Second)
	if !ok {
		t.Fatal("usage update never arrived after deactivation")
	}
	if id != 2 {
		t.Errorf("usage accounted against card %d, want 2", id)
	}
}

func TestHandler_UnknownMessageType(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.roundTrip(t, Request{ID: "x-1", Type: "flyToTheMoon"})
	if resp.Success || resp.Type != MessageTypeError {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		in      string
		want    hce.DeactivationReason
		wantErr bool
	}{
		{ReasonLinkLoss, hce.DeactivationLinkLoss, false},
		{ReasonDeselected, hce.DeactivationDeselected, false},
		{"powerOff", hce.DeactivationLinkLoss, true},
	}
	for _, tt := range tests {
		got, err := ParseReason(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseReason(%q) = (%v, %v), want (%v, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
