package wire

import "fmt"

// CommandID identifies a transport-layer packet's purpose. It occupies the
// low 5 bits of header byte 1.
type CommandID uint8

const (
	CmdACKResponse                      CommandID = 0x05
	CmdData                             CommandID = 0x03
	CmdErrorResponse                    CommandID = 0x06
	CmdRequestPairingConnection         CommandID = 0x09
	CmdPairingConnectionRequestAccepted CommandID = 0x0A
	CmdRequestKeys                      CommandID = 0x0C
	CmdGetAvailableKeys                 CommandID = 0x0F
	CmdKeyResponse                      CommandID = 0x11
	CmdRequestID                        CommandID = 0x12
	CmdIDResponse                       CommandID = 0x14
	CmdRequestRegularConnection         CommandID = 0x17
	CmdRegularConnectionRequestAccepted CommandID = 0x18
	CmdDisconnect                       CommandID = 0x1B
)

// commandNames gives a human-readable label for each known command ID.
var commandNames = map[CommandID]string{
	CmdACKResponse:                      "ACK_RESPONSE",
	CmdData:                             "DATA",
	CmdErrorResponse:                    "ERROR_RESPONSE",
	CmdRequestPairingConnection:         "REQUEST_PAIRING_CONNECTION",
	CmdPairingConnectionRequestAccepted: "PAIRING_CONNECTION_REQUEST_ACCEPTED",
	CmdRequestKeys:                      "REQUEST_KEYS",
	CmdGetAvailableKeys:                 "GET_AVAILABLE_KEYS",
	CmdKeyResponse:                      "KEY_RESPONSE",
	CmdRequestID:                        "REQUEST_ID",
	CmdIDResponse:                       "ID_RESPONSE",
	CmdRequestRegularConnection:         "REQUEST_REGULAR_CONNECTION",
	CmdRegularConnectionRequestAccepted: "REGULAR_CONNECTION_REQUEST_ACCEPTED",
	CmdDisconnect:                       "DISCONNECT",
}

// String returns the human-readable name of the command ID, or
// "CommandID(N)" if unrecognized.
func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CommandID(%d)", uint8(c))
}

// IsKnown reports whether c is one of the defined transport command IDs.
func (c CommandID) IsKnown() bool {
	_, ok := commandNames[c]
	return ok
}
