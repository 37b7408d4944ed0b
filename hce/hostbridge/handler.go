package hostbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nedpals/hce-agent/buildinfo"
	"github.com/nedpals/hce-agent/hce"
)

// Handler manages frontend WebSocket connections and routes their messages:
// command frames to the engine, deactivation signals to the accounting hook,
// and selection messages to the selection state.
type Handler struct {
	engine    hce.CommandHandler
	selection *hce.SelectionState
	store     hce.CardStore
	logger    *log.Logger
	upgrader  websocket.Upgrader

	sessions   map[string]*session
	sessionsMu sync.RWMutex
}

// session tracks one connected frontend.
type session struct {
	id           string
	conn         *websocket.Conn
	deviceName   string
	platform     string
	registeredAt time.Time

	// writeMu serializes writes; gorilla conns allow one concurrent writer.
	writeMu sync.Mutex
}

// NewHandler creates a bridge handler. The store is consulted only to
// validate selection requests, never on the command path - the engine does
// its own lookups there.
func NewHandler(engine hce.CommandHandler, selection *hce.SelectionState, store hce.CardStore) *Handler {
	return &Handler{
		engine:    engine,
		selection: selection,
		store:     store,
		logger:    log.New(os.Stderr, "[bridge] ", log.LstdFlags),
		sessions:  make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Frontends connect from app webviews and LAN addresses
			},
		},
	}
}

// SessionCount returns the number of connected frontends.
func (h *Handler) SessionCount() int {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return len(h.sessions)
}

// HandleWebSocket upgrades the connection and runs the frontend message
// loop until the peer disconnects.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	h.logger.Printf("frontend connected from %s", r.RemoteAddr)

	sess, err := h.awaitRegistration(conn)
	if err != nil {
		h.logger.Printf("registration failed: %v", err)
		conn.Close()
		return
	}

	defer func() {
		conn.Close()
		h.removeSession(sess.id)
		// A dropped connection mid-session is a radio link loss from the
		// engine's point of view.
		h.engine.HandleDeactivation(hce.DeactivationLinkLoss)
		h.logger.Printf("frontend disconnected: %s", sess.id)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			h.logger.Printf("failed to parse message: %v", err)
			h.sendError(sess, "", "PARSE_ERROR", "Invalid message format")
			continue
		}

		if err := h.route(sess, req); err != nil {
			h.logger.Printf("handler error for %q: %v", req.Type, err)
		}
	}
}

// awaitRegistration reads the initial registerFrontend message and sets up
// the session.
func (h *Handler) awaitRegistration(conn *websocket.Conn) (*session, error) {
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, errors.New("expected text registration message")
	}

	var req Request
	if err := json.Unmarshal(message, &req); err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}
	if req.Type != MessageTypeRegisterFrontend {
		return nil, fmt.Errorf("expected %q, got %q", MessageTypeRegisterFrontend, req.Type)
	}

	var reg FrontendRegistration
	if err := decodePayload(req.Payload, &reg); err != nil {
		return nil, fmt.Errorf("parse registration payload: %w", err)
	}
	if reg.Platform != "ios" && reg.Platform != "android" {
		return nil, fmt.Errorf("invalid platform: %q", reg.Platform)
	}

	sess := &session{
		id:           uuid.New().String(),
		conn:         conn,
		deviceName:   reg.DeviceName,
		platform:     reg.Platform,
		registeredAt: time.Now(),
	}

	h.sessionsMu.Lock()
	h.sessions[sess.id] = sess
	h.sessionsMu.Unlock()

	resp := Response{
		ID:      req.ID,
		Type:    MessageTypeRegisterFrontendResponse,
		Success: true,
		Payload: FrontendRegistrationResponse{
			SessionID:  sess.id,
			ServerInfo: ServerInfo{Version: buildinfo.Version},
		},
	}
	if err := sess.write(resp); err != nil {
		h.removeSession(sess.id)
		return nil, fmt.Errorf("send registration response: %w", err)
	}

	h.logger.Printf("frontend registered: %s (%s, %s)", reg.DeviceName, reg.Platform, sess.id)
	return sess, nil
}

// route dispatches one frontend message.
func (h *Handler) route(sess *session, req Request) error {
	switch req.Type {
	case MessageTypeCommand:
		return h.handleCommand(sess, req)
	case MessageTypeDeactivated:
		return h.handleDeactivated(sess, req)
	case MessageTypeSelectCard:
		return h.handleSelectCard(sess, req)
	case MessageTypeDeselectCard:
		return h.handleDeselectCard(sess, req)
	default:
		h.sendError(sess, req.ID, "UNKNOWN_TYPE", fmt.Sprintf("Unknown message type: %s", req.Type))
		return nil
	}
}

// handleCommand runs one step of the request/response protocol. The engine
// guarantees a status-word response for any input, so this path never sends
// an error envelope for protocol-level conditions.
func (h *Handler) handleCommand(sess *session, req Request) error {
	var payload CommandPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		h.sendError(sess, req.ID, "INVALID_PAYLOAD", "Invalid command payload")
		return err
	}

	frame := h.engine.HandleCommand(payload.Frame)

	return sess.write(Response{
		ID:      req.ID,
		Type:    MessageTypeCommandResponse,
		Success: true,
		Payload: CommandResponsePayload{Frame: frame},
	})
}

func (h *Handler) handleDeactivated(sess *session, req Request) error {
	var payload DeactivatedPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		h.sendError(sess, req.ID, "INVALID_PAYLOAD", "Invalid deactivation payload")
		return err
	}

	reason, err := ParseReason(payload.Reason)
	if err != nil {
		h.logger.Printf("%v, treating as link loss", err)
	}
	h.engine.HandleDeactivation(reason)
	return nil
}

func (h *Handler) handleSelectCard(sess *session, req Request) error {
	var payload SelectCardPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		h.sendError(sess, req.ID, "INVALID_PAYLOAD", "Invalid selection payload")
		return err
	}

	if _, err := h.store.GetByID(payload.CardID); err != nil {
		if errors.Is(err, hce.ErrRecordNotFound) {
			h.sendError(sess, req.ID, "CARD_NOT_FOUND", fmt.Sprintf("No card with id %d", payload.CardID))
			return err
		}
		h.sendError(sess, req.ID, "STORE_ERROR", "Card lookup failed")
		return err
	}

	if err := h.selection.Activate(payload.CardID); err != nil {
		h.sendError(sess, req.ID, "STATE_ERROR", "Failed to persist selection")
		return err
	}

	return sess.write(Response{
		ID:      req.ID,
		Type:    MessageTypeSelectCardResponse,
		Success: true,
		Payload: h.snapshot(),
	})
}

func (h *Handler) handleDeselectCard(sess *session, req Request) error {
	if err := h.selection.Deactivate(); err != nil {
		h.sendError(sess, req.ID, "STATE_ERROR", "Failed to persist deselection")
		return err
	}

	return sess.write(Response{
		ID:      req.ID,
		Type:    MessageTypeDeselectCardResponse,
		Success: true,
		Payload: h.snapshot(),
	})
}

func (h *Handler) snapshot() SelectionSnapshot {
	snap := SelectionSnapshot{Active: h.selection.IsActive()}
	if id, ok := h.selection.SelectedCardID(); ok {
		snap.SelectedCardID = &id
	}
	return snap
}

func (h *Handler) sendError(sess *session, reqID, code, message string) {
	resp := Response{
		ID:      reqID,
		Type:    MessageTypeError,
		Success: false,
		Error:   fmt.Sprintf("%s: %s", code, message),
	}
	if err := sess.write(resp); err != nil {
		h.logger.Printf("failed to send error response: %v", err)
	}
}

func (h *Handler) removeSession(id string) {
	h.sessionsMu.Lock()
	delete(h.sessions, id)
	h.sessionsMu.Unlock()
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// decodePayload re-marshals the generic payload map into a typed struct.
func decodePayload(payload map[string]interface{}, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return json.Unmarshal(data, out)
}
