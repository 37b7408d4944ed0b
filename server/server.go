// Package server exposes the agent over HTTP: a WebSocket endpoint for HCE
// frontends, a small REST API for card records and selection, and mDNS
// advertisement so frontends can discover the agent on the local network.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nedpals/hce-agent/buildinfo"
	"github.com/nedpals/hce-agent/hce"
	"github.com/nedpals/hce-agent/protocol"
)

// mDNS advertisement parameters.
const (
	MDNSServiceType = "_hce-agent._tcp"
	MDNSDomain      = "local."
)

// RecordStore is the record management surface the API needs, a superset of
// the engine's read-only contract.
type RecordStore interface {
	hce.CardStore
	Create(r *hce.Record) error
	List() ([]*hce.Record, error)
}

// BridgeHandler is the WebSocket endpoint serving HCE frontends.
type BridgeHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// Config holds the server configuration.
type Config struct {
	Port      int
	Store     RecordStore
	Selection *hce.SelectionState
	Bridge    BridgeHandler

	// DeleteCard removes a record and clears the selection slot when the
	// deleted card was the selected one. The agent owns that coordination,
	// so the server receives it as a callback.
	DeleteCard func(id int64) error

	// DisableMDNS turns off service advertisement (used in tests).
	DisableMDNS bool
}

// Server manages the HTTP listener and the mDNS registration.
type Server struct {
	config     Config
	httpServer *http.Server
	mdnsServer *zeroconf.Server
	logger     *log.Logger
}

// New creates a server instance.
func New(config Config) *Server {
	return &Server{
		config: config,
		logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/cards", s.handleListCards)
	mux.HandleFunc("POST /api/v1/cards", s.handleCreateCard)
	mux.HandleFunc("DELETE /api/v1/cards/{id}", s.handleDeleteCard)
	mux.HandleFunc("POST /api/v1/cards/{id}/select", s.handleSelectCard)
	mux.HandleFunc("POST /api/v1/deselect", s.handleDeselect)
	if s.config.Bridge != nil {
		mux.HandleFunc("/ws", s.config.Bridge.HandleWebSocket)
	}
	return mux
}

// Start runs the HTTP server and registers the mDNS service. Blocks until
// the listener stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.Handler(),
	}

	if !s.config.DisableMDNS {
		if err := s.startMDNS(); err != nil {
			// Discovery is a convenience; the agent still works via direct
			// addressing.
			s.logger.Printf("mDNS registration failed: %v", err)
		}
	}

	s.logger.Printf("listening on port %d", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Printf("shutdown error: %v", err)
		}
		s.httpServer = nil
	}
}

// startMDNS advertises the agent so frontends can discover it.
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}

	server, err := zeroconf.Register(buildinfo.DisplayName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	s.mdnsServer = server
	s.logger.Printf("mDNS service registered: %s on port %d", buildinfo.DisplayName, s.config.Port)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := protocol.HealthResponse{
		Status:    "ok",
		Version:   buildinfo.FullVersion(),
		Selection: s.selectionStatus(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	records, err := s.config.Store.List()
	if err != nil {
		s.logger.Printf("list cards failed: %v", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list cards")
		return
	}

	summaries := make([]protocol.CardSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, protocol.SummaryFromRecord(record))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req protocol.CardInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "invalid JSON body")
		return
	}

	record, err := req.ToRecord()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RECORD", err.Error())
		return
	}

	if err := s.config.Store.Create(record); err != nil {
		s.logger.Printf("create card failed: %v", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to store card")
		return
	}

	s.logger.Printf("card created: %s", record)
	writeJSON(w, http.StatusCreated, protocol.CardInputResponse{Success: true, ID: record.ID})
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.config.DeleteCard(id); err != nil {
		if errors.Is(err, hce.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "CARD_NOT_FOUND", fmt.Sprintf("no card with id %d", id))
			return
		}
		s.logger.Printf("delete card %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to delete card")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if _, err := s.config.Store.GetByID(id); err != nil {
		if errors.Is(err, hce.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "CARD_NOT_FOUND", fmt.Sprintf("no card with id %d", id))
			return
		}
		s.logger.Printf("select lookup for card %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "card lookup failed")
		return
	}

	if err := s.config.Selection.Activate(id); err != nil {
		s.logger.Printf("activate card %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "STATE_ERROR", "failed to persist selection")
		return
	}

	writeJSON(w, http.StatusOK, s.selectionStatus())
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Selection.Deactivate(); err != nil {
		s.logger.Printf("deselect failed: %v", err)
		writeError(w, http.StatusInternalServerError, "STATE_ERROR", "failed to persist deselection")
		return
	}
	writeJSON(w, http.StatusOK, s.selectionStatus())
}

func (s *Server) selectionStatus() protocol.SelectionStatus {
	status := protocol.SelectionStatus{Active: s.config.Selection.IsActive()}
	if id, ok := s.config.Selection.SelectedCardID(); ok {
		status.SelectedCardID = &id
	}
	return status
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "card id must be an integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success":   false,
		"errorCode": code,
		"error":     message,
	})
}
