package hce

import (
	"errors"
	"log"
	"os"
	"sync"
)

// CommandHandler is the narrow contract the Host Bridge drives: one call per
// inbound command frame, plus a deactivation hook when the radio link ends.
type CommandHandler interface {
	// HandleCommand produces a response frame for a raw command frame. It
	// always returns at least a 2-byte status word and never panics across
	// this boundary.
	HandleCommand(cmd []byte) []byte

	// HandleDeactivation is invoked when the link to the terminal ends.
	// The reason is informational only.
	HandleDeactivation(reason DeactivationReason)
}

// DeactivationReason describes why an emulation session ended.
type DeactivationReason int

const (
	// DeactivationLinkLoss means the radio link was lost (card moved away).
	DeactivationLinkLoss DeactivationReason = iota
	// DeactivationDeselected means the terminal deselected the emulated card.
	DeactivationDeselected
)

func (r DeactivationReason) String() string {
	switch r {
	case DeactivationLinkLoss:
		return "linkLoss"
	case DeactivationDeselected:
		return "deselected"
	default:
		return "unknown"
	}
}

// Dispatcher is the APDU protocol state machine. It is stateless between
// invocations apart from remembering which card the running session started
// with; everything else lives in the SelectionState and the CardStore.
//
// Each HandleCommand call is synchronous and must return before the next
// command arrives - the terminal protocol is strictly request/response with
// a real-time budget in the tens of milliseconds, which is why the store
// must be local and low-latency.
type Dispatcher struct {
	store     CardStore
	selection *SelectionState
	clock     Clock
	logger    *log.Logger

	// sessionMu guards the card id captured at session start. The value is
	// read back on deactivation because the selection may already have
	// changed by then.
	sessionMu     sync.Mutex
	sessionCardID int64
	sessionLive   bool
}

// NewDispatcher creates a dispatcher reading selection from selection and
// records from store. A nil clock defaults to the system clock.
func NewDispatcher(store CardStore, selection *SelectionState, clock Clock) *Dispatcher {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Dispatcher{
		store:     store,
		selection: selection,
		clock:     clock,
		logger:    log.New(os.Stderr, "[dispatcher] ", log.LstdFlags),
	}
}

// HandleCommand implements the dispatch algorithm. Whatever happens inside,
// the terminal gets a well-formed status-word response; internal failures
// degrade to SWUnknownError instead of propagating.
func (d *Dispatcher) HandleCommand(cmd []byte) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("internal failure dispatching %s: %v", BytesToHex(cmd), r)
			resp = StatusResponse(SWUnknownError)
		}
	}()

	if len(cmd) == 0 {
		return StatusResponse(SWUnknownError)
	}

	cardID, ok := d.selection.SelectedCardID()
	if !ok {
		// Nothing selected: refuse before classifying the command.
		return StatusResponse(SWFileNotFound)
	}
	d.noteSession(cardID)

	switch {
	case isSelectCommand(cmd):
		return d.handleSelect(cmd, cardID)
	case hasInstruction(cmd, INSReadBinary):
		return d.handleReadBinary(cmd, cardID)
	case hasInstruction(cmd, INSGetData):
		return d.handleGetData(cardID)
	case hasInstruction(cmd, INSUpdateBinary), hasInstruction(cmd, INSVerify):
		// Accepted as no-ops so terminals probing write/verify support
		// proceed with the transaction.
		return StatusResponse(SWSuccess)
	default:
		return d.handleUnknown(cmd, cardID)
	}
}

// handleSelect answers SELECT-by-AID. AID matching is permissive: many
// access-control readers request AIDs the original card never declared, so a
// mismatch is logged but never rejected.
func (d *Dispatcher) handleSelect(cmd []byte, cardID int64) []byte {
	record, resp := d.loadRecord(cardID)
	if record == nil {
		return resp
	}

	if aid := requestedAID(cmd); aid != "" && !record.HasAID(aid) {
		d.logger.Printf("card %d does not advertise AID %s, accepting anyway", cardID, aid)
	}

	if len(record.ATS) > 0 {
		return DataResponse(record.ATS, SWSuccess)
	}
	return StatusResponse(SWSuccess)
}

// handleReadBinary returns the full historical-byte blob. Binary-offset
// paging is deliberately not implemented: emulated cards are read-only
// identity tokens, not addressable memory, so the requested offset and
// length fields are ignored.
func (d *Dispatcher) handleReadBinary(cmd []byte, cardID int64) []byte {
	if len(cmd) < 5 {
		// READ BINARY requires P1, P2 and Le.
		return StatusResponse(SWWrongLength)
	}

	record, resp := d.loadRecord(cardID)
	if record == nil {
		return resp
	}

	if len(record.HistoricalBytes) > 0 {
		return DataResponse(record.HistoricalBytes, SWSuccess)
	}
	return StatusResponse(SWSuccess)
}

func (d *Dispatcher) handleGetData(cardID int64) []byte {
	record, resp := d.loadRecord(cardID)
	if record == nil {
		return resp
	}
	return DataResponse(record.UID, SWSuccess)
}

// handleUnknown answers unrecognized commands with blanket success as long
// as the selected record is loadable, maximizing compatibility with reader
// probes the original card would have tolerated.
func (d *Dispatcher) handleUnknown(cmd []byte, cardID int64) []byte {
	_, err := d.store.GetByID(cardID)
	switch {
	case err == nil:
		return StatusResponse(SWSuccess)
	case errors.Is(err, ErrRecordNotFound):
		return StatusResponse(SWNotAllowed)
	default:
		d.logger.Printf("store lookup for card %d failed on %s: %v", cardID, BytesToHex(cmd), err)
		return StatusResponse(SWUnknownError)
	}
}

// loadRecord fetches the selected record, mapping failures to their status
// words. Exactly one of the returns is non-nil.
func (d *Dispatcher) loadRecord(cardID int64) (*Record, []byte) {
	record, err := d.store.GetByID(cardID)
	if err == nil {
		return record, nil
	}
	if errors.Is(err, ErrRecordNotFound) {
		return nil, StatusResponse(SWFileNotFound)
	}
	d.logger.Printf("store lookup for card %d failed: %v", cardID, err)
	return nil, StatusResponse(SWUnknownError)
}

// noteSession captures the card serving the current session so deactivation
// accounts against it even if the selection changes meanwhile.
func (d *Dispatcher) noteSession(cardID int64) {
	d.sessionMu.Lock()
	d.sessionCardID = cardID
	d.sessionLive = true
	d.sessionMu.Unlock()
}

// HandleDeactivation closes the running session and kicks off usage
// accounting for the card captured at session start. The update runs
// decoupled from the command path: it may overlap the next session and its
// failure only shows up in logs.
func (d *Dispatcher) HandleDeactivation(reason DeactivationReason) {
	d.sessionMu.Lock()
	cardID, live := d.sessionCardID, d.sessionLive
	d.sessionCardID = 0
	d.sessionLive = false
	d.sessionMu.Unlock()

	if !live {
		d.logger.Printf("deactivated (%s) with no session to account", reason)
		return
	}

	d.logger.Printf("session for card %d deactivated (%s)", cardID, reason)
	usedAt := d.clock.Now()
	go func() {
		if err := d.store.UpdateUsage(cardID, usedAt); err != nil {
			d.logger.Printf("usage update for card %d failed: %v", cardID, err)
		}
	}()
}
