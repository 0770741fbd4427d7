package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AppVersion is the only application-layer protocol version.
const AppVersion = 0x10

// appHeaderSize is version (1) + service id (1) + command id (2).
const appHeaderSize = 4

// ServiceID identifies which application-layer service an AppPacket
// targets.
type ServiceID uint8

const (
	ServiceControl     ServiceID = 0x00
	ServiceRTMode      ServiceID = 0x48
	ServiceCommandMode ServiceID = 0xB7
)

// AppCommandID identifies an application-layer command within a service.
type AppCommandID uint16

// Control service commands.
const (
	CmdCtrlConnect                 AppCommandID = 0x9055
	CmdCtrlConnectResponse         AppCommandID = 0xA055
	CmdCtrlGetServiceVersion       AppCommandID = 0x9065
	CmdCtrlServiceVersionResponse  AppCommandID = 0xA065
	CmdCtrlBind                    AppCommandID = 0x9095
	CmdCtrlBindResponse            AppCommandID = 0xA095
	CmdCtrlDisconnect              AppCommandID = 0x005A
	CmdCtrlActivateService         AppCommandID = 0x9066
	CmdCtrlActivateServiceResponse AppCommandID = 0xA066
	CmdCtrlDeactivateAllServices   AppCommandID = 0x906A
	CmdCtrlAllServicesDeactivated  AppCommandID = 0xA06A
	CmdCtrlServiceError            AppCommandID = 0xA0FF
)

// RT_MODE service commands.
const (
	CmdRTButtonStatus AppCommandID = 0x0565
	CmdRTDisplay      AppCommandID = 0x0555
	CmdRTKeepAlive    AppCommandID = 0x05AA
)

// COMMAND_MODE service commands. Requests carry a 0x9 high nibble and
// responses 0xA, mirroring the CONTROL service numbering.
const (
	CmdReadDateTime             AppCommandID = 0x9020
	CmdReadDateTimeResponse     AppCommandID = 0xA020
	CmdReadStatus               AppCommandID = 0x9030
	CmdReadStatusResponse       AppCommandID = 0xA030
	CmdReadErrorWarning         AppCommandID = 0x9040
	CmdReadErrorWarningResponse AppCommandID = 0xA040
	CmdHistoryDelta             AppCommandID = 0x9050
	CmdHistoryDeltaResponse     AppCommandID = 0xA050
	CmdBolusStatus              AppCommandID = 0x9060
	CmdBolusStatusResponse      AppCommandID = 0xA060
	CmdDeliverBolus             AppCommandID = 0x9070
	CmdDeliverBolusResponse     AppCommandID = 0xA070
	CmdCancelBolus              AppCommandID = 0x9080
	CmdCancelBolusResponse      AppCommandID = 0xA080
)

// appCommandNames gives a human-readable label for each known application
// command.
var appCommandNames = map[AppCommandID]string{
	CmdCtrlConnect:                 "CTRL_CONNECT",
	CmdCtrlConnectResponse:         "CTRL_CONNECT_RESPONSE",
	CmdCtrlGetServiceVersion:       "CTRL_GET_SERVICE_VERSION",
	CmdCtrlServiceVersionResponse:  "CTRL_SERVICE_VERSION_RESPONSE",
	CmdCtrlBind:                    "CTRL_BIND",
	CmdCtrlBindResponse:            "CTRL_BIND_RESPONSE",
	CmdCtrlDisconnect:              "CTRL_DISCONNECT",
	CmdCtrlActivateService:         "CTRL_ACTIVATE_SERVICE",
	CmdCtrlActivateServiceResponse: "CTRL_ACTIVATE_SERVICE_RESPONSE",
	CmdCtrlDeactivateAllServices:   "CTRL_DEACTIVATE_ALL_SERVICES",
	CmdCtrlAllServicesDeactivated:  "CTRL_ALL_SERVICES_DEACTIVATED",
	CmdCtrlServiceError:            "CTRL_SERVICE_ERROR",
	CmdRTButtonStatus:              "RT_BUTTON_STATUS",
	CmdRTDisplay:                   "RT_DISPLAY",
	CmdRTKeepAlive:                 "RT_KEEP_ALIVE",
	CmdReadDateTime:                "CMD_READ_DATE_TIME",
	CmdReadDateTimeResponse:        "CMD_READ_DATE_TIME_RESPONSE",
	CmdReadStatus:                  "CMD_READ_STATUS",
	CmdReadStatusResponse:          "CMD_READ_STATUS_RESPONSE",
	CmdReadErrorWarning:            "CMD_READ_ERROR_WARNING",
	CmdReadErrorWarningResponse:    "CMD_READ_ERROR_WARNING_RESPONSE",
	CmdHistoryDelta:                "CMD_HISTORY_DELTA",
	CmdHistoryDeltaResponse:        "CMD_HISTORY_DELTA_RESPONSE",
	CmdBolusStatus:                 "CMD_BOLUS_STATUS",
	CmdBolusStatusResponse:         "CMD_BOLUS_STATUS_RESPONSE",
	CmdDeliverBolus:                "CMD_DELIVER_BOLUS",
	CmdDeliverBolusResponse:        "CMD_DELIVER_BOLUS_RESPONSE",
	CmdCancelBolus:                 "CMD_CANCEL_BOLUS",
	CmdCancelBolusResponse:         "CMD_CANCEL_BOLUS_RESPONSE",
}

// String returns the human-readable name of the application command, or
// "AppCommandID(0xNNNN)" if unrecognized.
func (c AppCommandID) String() string {
	if name, ok := appCommandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("AppCommandID(0x%04X)", uint16(c))
}

// Reliable reports whether command carries the transport reliability bit:
// CONTROL and COMMAND_MODE commands are reliable, RT_MODE commands are not.
func (c AppCommandID) Reliable() bool {
	switch c {
	case CmdRTButtonStatus, CmdRTDisplay, CmdRTKeepAlive:
		return false
	default:
		return true
	}
}

// ErrInvalidAppPayload indicates an application-layer payload violates its
// command's size contract.
var ErrInvalidAppPayload = errors.New("wire: invalid application payload")

// AppPacket is the application-layer packet embedded in a DATA transport
// packet's payload.
type AppPacket struct {
	Version uint8
	Service ServiceID
	Command AppCommandID
	Payload []byte
}

// EncodeApp serializes an AppPacket to bytes suitable for a DATA transport
// packet's payload.
func EncodeApp(p AppPacket) []byte {
	out := make([]byte, appHeaderSize+len(p.Payload))
	out[0] = AppVersion
	out[1] = byte(p.Service)
	binary.LittleEndian.PutUint16(out[2:4], uint16(p.Command))
	copy(out[appHeaderSize:], p.Payload)
	return out
}

// DecodeApp parses bytes from a DATA transport packet's payload into an
// AppPacket.
func DecodeApp(data []byte) (AppPacket, error) {
	if len(data) < appHeaderSize {
		return AppPacket{}, fmt.Errorf("%w: shorter than app header", ErrInvalidAppPayload)
	}
	return AppPacket{
		Version: data[0],
		Service: ServiceID(data[1]),
		Command: AppCommandID(binary.LittleEndian.Uint16(data[2:4])),
		Payload: append([]byte(nil), data[appHeaderSize:]...),
	}, nil
}
