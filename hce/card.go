package hce

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record describes one scanned contactless card: the identifying bytes the
// emulation engine replays toward a terminal, plus presentation metadata and
// usage counters.
//
// A Record is created once at scan time, read many times by the dispatcher,
// and mutated only through the store's usage-accounting operation.
type Record struct {
	// ID is the stable store-assigned identifier. Zero means "not yet stored".
	ID int64 `json:"id"`

	// UID is the card's hardware identifier, 4-10 bytes for typical cards.
	// Never empty for a valid record.
	UID []byte `json:"uid"`

	// ATS is the Answer-To-Select payload, present only for protocol-aware
	// cards. Returned verbatim after a SELECT.
	ATS []byte `json:"ats,omitempty"`

	// HistoricalBytes are returned verbatim on READ BINARY, if captured.
	HistoricalBytes []byte `json:"historicalBytes,omitempty"`

	// AIDs holds the application identifiers the card advertises, as
	// uppercase hex strings. Empty means "accept any requested application".
	AIDs []string `json:"aids,omitempty"`

	// Presentation metadata, irrelevant to protocol behavior.
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`

	// UsageCount increases by one per completed emulation session.
	UsageCount int64 `json:"usageCount"`

	// LastUsedAt is set on each successful emulation session.
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// ErrEmptyUID is returned by Validate for records without a hardware UID.
var ErrEmptyUID = errors.New("card record has empty UID")

// Normalize canonicalizes optional fields: zero-length ATS and historical
// bytes become nil, and AIDs are uppercased with empty entries dropped.
func (r *Record) Normalize() {
	if len(r.ATS) == 0 {
		r.ATS = nil
	}
	if len(r.HistoricalBytes) == 0 {
		r.HistoricalBytes = nil
	}
	if len(r.AIDs) == 0 {
		r.AIDs = nil
		return
	}
	aids := make([]string, 0, len(r.AIDs))
	for _, aid := range r.AIDs {
		aid = strings.ToUpper(strings.TrimSpace(aid))
		if aid != "" {
			aids = append(aids, aid)
		}
	}
	if len(aids) == 0 {
		aids = nil
	}
	r.AIDs = aids
}

// Validate checks the record invariants. Call Normalize first.
func (r *Record) Validate() error {
	if len(r.UID) == 0 {
		return ErrEmptyUID
	}
	return nil
}

// HasAID reports whether the record advertises the given AID. An empty AID
// set accepts any application, so every AID matches.
func (r *Record) HasAID(aid string) bool {
	if len(r.AIDs) == 0 {
		return true
	}
	aid = strings.ToUpper(aid)
	for _, a := range r.AIDs {
		if a == aid {
			return true
		}
	}
	return false
}

// String returns a short description for logging.
func (r *Record) String() string {
	name := r.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("Record{ID: %d, UID: %s, Name: %s}", r.ID, BytesToHex(r.UID), name)
}
