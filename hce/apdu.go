package hce

import (
	"encoding/hex"
	"errors"
	"strings"
)

// ISO 7816-4 status words. Every response produced by the engine ends in
// exactly one of these, big-endian.
const (
	SWSuccess      uint16 = 0x9000 // Command completed
	SWFileNotFound uint16 = 0x6A82 // File or record not found
	SWWrongLength  uint16 = 0x6700 // Wrong length field
	SWNotAllowed   uint16 = 0x6986 // Command not allowed
	SWUnknownError uint16 = 0x6F00 // Unknown or internal error
)

// Instruction bytes the dispatcher recognizes (class byte 0x00).
const (
	INSSelect       = 0xA4 // SELECT application
	INSReadBinary   = 0xB0 // READ BINARY
	INSGetData      = 0xCA // GET DATA (UID)
	INSUpdateBinary = 0xD6 // UPDATE BINARY (accepted as no-op)
	INSVerify       = 0x20 // VERIFY (accepted as no-op)
)

// selectHeader is the full 4-byte SELECT-by-AID header.
var selectHeader = []byte{0x00, INSSelect, 0x04, 0x00}

// StatusResponse returns a 2-byte response containing only the status word.
func StatusResponse(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// DataResponse returns data followed by the status word. A nil or empty data
// slice yields a bare status word.
func DataResponse(data []byte, sw uint16) []byte {
	resp := make([]byte, 0, len(data)+2)
	resp = append(resp, data...)
	return append(resp, byte(sw>>8), byte(sw))
}

// StatusWordOf extracts the trailing status word from a response frame.
// Returns 0 for frames shorter than 2 bytes.
func StatusWordOf(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}
	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
}

// isSelectCommand reports whether cmd starts with the SELECT-by-AID header
// 00 A4 04 00.
func isSelectCommand(cmd []byte) bool {
	if len(cmd) < len(selectHeader) {
		return false
	}
	for i, b := range selectHeader {
		if cmd[i] != b {
			return false
		}
	}
	return true
}

// hasInstruction reports whether cmd is a standard-class command with the
// given instruction byte.
func hasInstruction(cmd []byte, ins byte) bool {
	return len(cmd) >= 2 && cmd[0] == 0x00 && cmd[1] == ins
}

// requestedAID extracts the AID carried by a SELECT command as an uppercase
// hex string. Returns "" if the frame carries no complete AID (missing or
// truncated Lc/data fields); a SELECT without an AID is still valid.
func requestedAID(cmd []byte) string {
	if len(cmd) < 5 {
		return ""
	}
	lc := int(cmd[4])
	if lc == 0 || len(cmd) < 5+lc {
		return ""
	}
	return BytesToHex(cmd[5 : 5+lc])
}

// BytesToHex converts bytes to an uppercase hex string without separators.
func BytesToHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// HexToBytes converts a hex string to bytes. Colons, dashes and spaces are
// accepted as separators so UIDs like "04:A1:B2:C3" parse directly.
func HexToBytes(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', ' ':
			return -1
		}
		return r
	}, s)
	if len(cleaned)%2 != 0 {
		return nil, errors.New("hex string must have even length")
	}
	return hex.DecodeString(cleaned)
}
