// Package protocol provides the JSON types of the agent's HTTP API. It is
// designed to be importable by external tools (scan capture utilities,
// dashboards) without pulling in server dependencies.
package protocol

import (
	"fmt"
	"time"

	"github.com/nedpals/hce-agent/hce"
)

// CardInputRequest is the request body for POST /api/v1/cards. Scan capture
// happens outside the agent; whatever read the physical card submits the
// finished record here.
type CardInputRequest struct {
	// UID is the card's hardware identifier in hex. Separator-friendly:
	// "04:A1:B2:C3", "04A1B2C3", "04 A1 B2 C3" and "04-A1-B2-C3" all parse.
	UID string `json:"uid"`

	// ATS is the Answer-To-Select payload in hex, if the card has one.
	ATS string `json:"ats,omitempty"`

	// HistoricalBytes in hex, if captured.
	HistoricalBytes string `json:"historicalBytes,omitempty"`

	// AIDs the card advertises, hex strings. Empty means accept any.
	AIDs []string `json:"aids,omitempty"`

	// Presentation metadata.
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// CardInputResponse is the response body for POST /api/v1/cards.
type CardInputResponse struct {
	Success   bool   `json:"success"`
	ID        int64  `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// CardSummary is one card in GET /api/v1/cards responses. Byte fields are
// rendered as uppercase hex for readability.
type CardSummary struct {
	ID              int64      `json:"id"`
	UID             string     `json:"uid"`
	ATS             string     `json:"ats,omitempty"`
	HistoricalBytes string     `json:"historicalBytes,omitempty"`
	AIDs            []string   `json:"aids,omitempty"`
	Name            string     `json:"name,omitempty"`
	Color           string     `json:"color,omitempty"`
	UsageCount      int64      `json:"usageCount"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// SelectionStatus reports the emulation slot in /healthz and selection
// endpoints.
type SelectionStatus struct {
	SelectedCardID *int64 `json:"selectedCardId"`
	Active         bool   `json:"active"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Selection SelectionStatus `json:"selection"`
}

// ToRecord parses and validates the request into a normalized record.
func (r CardInputRequest) ToRecord() (*hce.Record, error) {
	if r.UID == "" {
		return nil, fmt.Errorf("uid is required")
	}
	uid, err := hce.HexToBytes(r.UID)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %w", err)
	}
	if len(uid) == 0 {
		return nil, fmt.Errorf("uid must not be empty")
	}

	record := &hce.Record{
		UID:   uid,
		AIDs:  r.AIDs,
		Name:  r.Name,
		Color: r.Color,
	}

	if r.ATS != "" {
		if record.ATS, err = hce.HexToBytes(r.ATS); err != nil {
			return nil, fmt.Errorf("invalid ats: %w", err)
		}
	}
	if r.HistoricalBytes != "" {
		if record.HistoricalBytes, err = hce.HexToBytes(r.HistoricalBytes); err != nil {
			return nil, fmt.Errorf("invalid historicalBytes: %w", err)
		}
	}

	record.Normalize()
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// SummaryFromRecord renders a record for API responses.
func SummaryFromRecord(r *hce.Record) CardSummary {
	s := CardSummary{
		ID:         r.ID,
		UID:        hce.BytesToHex(r.UID),
		AIDs:       r.AIDs,
		Name:       r.Name,
		Color:      r.Color,
		UsageCount: r.UsageCount,
		LastUsedAt: r.LastUsedAt,
	}
	if len(r.ATS) > 0 {
		s.ATS = hce.BytesToHex(r.ATS)
	}
	if len(r.HistoricalBytes) > 0 {
		s.HistoricalBytes = hce.BytesToHex(r.HistoricalBytes)
	}
	return s
}
