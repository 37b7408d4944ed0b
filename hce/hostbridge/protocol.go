// Package hostbridge delivers raw command frames from an HCE frontend to
// the emulation engine over WebSocket and carries response frames back. The
// frontend is the platform piece that actually sits in the radio field; this
// side owns the protocol decisions.
package hostbridge

import (
	"fmt"
	"time"

	"github.com/nedpals/hce-agent/hce"
)

// Message types exchanged with HCE frontends.
const (
	MessageTypeRegisterFrontend         = "registerFrontend"
	MessageTypeRegisterFrontendResponse = "registerFrontendResponse"
	MessageTypeCommand                  = "commandReceived"
	MessageTypeCommandResponse          = "commandResponse"
	MessageTypeDeactivated              = "deactivated"
	MessageTypeSelectCard               = "selectCard"
	MessageTypeSelectCardResponse       = "selectCardResponse"
	MessageTypeDeselectCard             = "deselectCard"
	MessageTypeDeselectCardResponse     = "deselectCardResponse"
	MessageTypeError                    = "error"
)

// Deactivation reason strings as sent by frontends.
const (
	ReasonLinkLoss   = "linkLoss"
	ReasonDeselected = "deselected"
)

// Request is an incoming envelope from a frontend.
type Request struct {
	ID      string                 `json:"id,omitempty"` // Client-generated request ID
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Response is an outgoing envelope to a frontend.
type Response struct {
	ID      string `json:"id,omitempty"` // Echoes the request ID
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FrontendRegistration is the payload of a registerFrontend message.
type FrontendRegistration struct {
	DeviceName string `json:"deviceName"` // e.g., "Dana's Pixel 8"
	Platform   string `json:"platform"`   // "ios" or "android"
	AppVersion string `json:"appVersion"`
}

// FrontendRegistrationResponse is returned after a successful registration.
type FrontendRegistrationResponse struct {
	SessionID  string     `json:"sessionID"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo describes the agent to the frontend.
type ServerInfo struct {
	Version string `json:"version"`
}

// CommandPayload carries a raw APDU command frame. Frame is base64 on the
// wire via the standard []byte JSON encoding.
type CommandPayload struct {
	Frame []byte `json:"frame"`
}

// CommandResponsePayload carries the response frame back to the frontend.
type CommandResponsePayload struct {
	Frame []byte `json:"frame"`
}

// DeactivatedPayload signals that the radio link to the terminal ended.
type DeactivatedPayload struct {
	Reason string     `json:"reason"` // "linkLoss" or "deselected"
	At     *time.Time `json:"at,omitempty"`
}

// SelectCardPayload asks the agent to select a card for emulation. This is
// the external selection action; the dispatcher itself never writes the
// selection.
type SelectCardPayload struct {
	CardID int64 `json:"cardID"`
}

// SelectionSnapshot reports the selection slot after a change.
type SelectionSnapshot struct {
	SelectedCardID *int64 `json:"selectedCardId"`
	Active         bool   `json:"active"`
}

// ParseReason maps a wire reason string to a DeactivationReason. Unknown
// strings map to link loss; the reason is informational only.
func ParseReason(s string) (hce.DeactivationReason, error) {
	switch s {
	case ReasonLinkLoss:
		return hce.DeactivationLinkLoss, nil
	case ReasonDeselected:
		return hce.DeactivationDeselected, nil
	default:
		return hce.DeactivationLinkLoss, fmt.Errorf("unknown deactivation reason %q", s)
	}
}
