package protocol

import (
	"bytes"
	"testing"

	"github.com/nedpals/hce-agent/hce"
)

func TestCardInputRequest_ToRecord(t *testing.T) {
	tests := []struct {
		name    string
		req     CardInputRequest
		wantErr bool
		check   func(t *testing.T, r *hce.Record)
	}{
		{
			name: "plain hex UID",
			req:  CardInputRequest{UID: "04A1B2C3"},
			check: func(t *testing.T, r *hce.Record) {
				if !bytes.Equal(r.UID, []byte{0x04, 0xA1, 0xB2, 0xC3}) {
					t.Errorf("UID = % X", r.UID)
				}
			},
		},
		{
			name: "colon separated UID",
			req:  CardInputRequest{UID: "04:a1:b2:c3"},
			check: func(t *testing.T, r *hce.Record) {
				if !bytes.Equal(r.UID, []byte{0x04, 0xA1, 0xB2, 0xC3}) {
					t.Errorf("UID = % X", r.UID)
				}
			},
		},
		{
			name: "full record",
			req: CardInputRequest{
				UID:             "04A1B2C3",
				ATS:             "7577",
				HistoricalBytes: "DEADBEEF",
				AIDs:            []string{"a001"},
				Name:            "Badge",
				Color:           "#FF0000",
			},
			check: func(t *testing.T, r *hce.Record) {
				if !bytes.Equal(r.ATS, []byte{0x75, 0x77}) {
					t.Errorf("ATS = % X", r.ATS)
				}
				if !bytes.Equal(r.HistoricalBytes, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
					t.Errorf("HistoricalBytes = % X", r.HistoricalBytes)
				}
				if len(r.AIDs) != 1 || r.AIDs[0] != "A001" {
					t.Errorf("AIDs = %v", r.AIDs)
				}
			},
		},
		{name: "missing UID", req: CardInputRequest{Name: "x"}, wantErr: true},
		{name: "bad UID hex", req: CardInputRequest{UID: "ZZ"}, wantErr: true},
		{name: "bad ATS hex", req: CardInputRequest{UID: "04A1", ATS: "nope"}, wantErr: true},
		{name: "bad historical hex", req: CardInputRequest{UID: "04A1", HistoricalBytes: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.req.ToRecord()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestSummaryFromRecord(t *testing.T) {
	r := &hce.Record{
		ID:              5,
		UID:             []byte{0x04, 0xA1, 0xB2, 0xC3},
		ATS:             []byte{0x75, 0x77},
		HistoricalBytes: []byte{0xDE, 0xAD},
		Name:            "Badge",
		UsageCount:      3,
	}

	s := SummaryFromRecord(r)
	if s.UID != "04A1B2C3" || s.ATS != "7577" || s.HistoricalBytes != "DEAD" {
		t.Errorf("summary bytes = (%q, %q, %q)", s.UID, s.ATS, s.HistoricalBytes)
	}
	if s.ID != 5 || s.UsageCount != 3 {
		t.Errorf("summary = %+v", s)
	}

	bare := SummaryFromRecord(&hce.Record{ID: 1, UID: []byte{0x04}})
	if bare.ATS != "" || bare.HistoricalBytes != "" {
		t.Errorf("absent fields rendered: %+v", bare)
	}
}
