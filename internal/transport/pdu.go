package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// X.224 PDU codes used during connection negotiation (MS-RDPBCGR 2.2.1.1).
const (
	x224CodeConnectionRequest uint8 = 0xE0
	x224CodeConnectionConfirm uint8 = 0xD0
)

// RDP negotiation structure types.
const (
	negTypeRequest  uint8 = 0x01
	negTypeResponse uint8 = 0x02
	negTypeFailure  uint8 = 0x03
)

// Security protocols carried in the negotiation request/response.
const (
	ProtocolRDP uint32 = 0x00000000
	ProtocolSSL uint32 = 0x00000001
)

// Negotiation failure codes (MS-RDPBCGR 2.2.1.2.2).
const (
	negFailureSSLRequired             uint32 = 0x00000001
	negFailureSSLNotAllowed           uint32 = 0x00000002
	negFailureSSLCertNotOnServer      uint32 = 0x00000003
	negFailureInconsistentFlags       uint32 = 0x00000004
	negFailureHybridRequired          uint32 = 0x00000005
	negFailureSSLWithUserAuthRequired uint32 = 0x00000006
)

func negFailureString(code uint32) string {
	switch code {
	case negFailureSSLRequired:
		return "server requires SSL/TLS"
	case negFailureSSLNotAllowed:
		return "server does not allow SSL/TLS"
	case negFailureSSLCertNotOnServer:
		return "server has no TLS certificate"
	case negFailureInconsistentFlags:
		return "inconsistent negotiation flags"
	case negFailureHybridRequired:
		return "server requires Network Level Authentication"
	case negFailureSSLWithUserAuthRequired:
		return "server requires SSL with user authentication"
	default:
		return fmt.Sprintf("failure code 0x%08X", code)
	}
}

// x224Header is the fixed part of an X.224 connection PDU. Length covers
// everything after the LI octet.
type x224Header struct {
	Length      uint8
	Code        uint8
	DstRef      uint16
	SrcRef      uint16
	ClassOption uint8
}

// negotiationPDU is RDP_NEG_REQ / RDP_NEG_RSP / RDP_NEG_FAILURE; all three
// share the same 8-byte layout with Value holding the protocols, the
// selected protocol, or the failure code respectively.
type negotiationPDU struct {
	Type   uint8
	Flags  uint8
	Length uint16 `struc:"little"`
	Value  uint32 `struc:"little"`
}

// serializeConnectionRequest builds the X.224 Connection Request carrying a
// routing cookie and the RDP negotiation request.
func serializeConnectionRequest(username string, requestedProtocols uint32) ([]byte, error) {
	cookie := buildCookie(username)

	buf := new(bytes.Buffer)

	header := x224Header{
		// LI: header remainder (6) + cookie + negotiation request (8)
		Length: uint8(6 + len(cookie) + 8),
		Code:   x224CodeConnectionRequest,
	}
	if err := struc.Pack(buf, &header); err != nil {
		return nil, fmt.Errorf("x224 header: %w", err)
	}

	buf.Write(cookie)

	neg := negotiationPDU{
		Type:   negTypeRequest,
		Length: 8,
		Value:  requestedProtocols,
	}
	if err := struc.Pack(buf, &neg); err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}

	return buf.Bytes(), nil
}

// buildCookie returns the mstshash routing cookie for the username. The
// identifier is truncated to 9 characters per MS-RDPBCGR 2.2.1.1.
func buildCookie(username string) []byte {
	if username == "" {
		return nil
	}
	if len(username) > 9 {
		username = username[:9]
	}
	return []byte("Cookie: mstshash=" + username + "\r\n")
}

// parseConnectionConfirm decodes the X.224 Connection Confirm and returns the
// server-selected protocol.
func parseConnectionConfirm(data []byte) (uint32, error) {
	r := bytes.NewReader(data)

	var header x224Header
	if err := struc.Unpack(r, &header); err != nil {
		return 0, fmt.Errorf("x224 header: %w", err)
	}

	if header.Code&0xF0 != x224CodeConnectionConfirm {
		return 0, fmt.Errorf("unexpected X.224 code: 0x%02X", header.Code)
	}

	// Older servers omit the negotiation response entirely, which means
	// standard RDP security.
	if r.Len() < 8 {
		return ProtocolRDP, nil
	}

	var neg negotiationPDU
	if err := struc.Unpack(r, &neg); err != nil {
		return 0, fmt.Errorf("negotiation response: %w", err)
	}

	switch neg.Type {
	case negTypeResponse:
		return neg.Value, nil
	case negTypeFailure:
		return 0, fmt.Errorf("negotiation failure: %s", negFailureString(neg.Value))
	default:
		return 0, fmt.Errorf("unexpected negotiation type: 0x%02X", neg.Type)
	}
}

// Dynamic virtual channel command IDs (MS-RDPEDYC 2.2.1). Channel requests
// and the display control extension ride on these PDUs.
const (
	dvcCmdCreate uint8 = 0x01
	dvcCmdData   uint8 = 0x03
	dvcCmdClose  uint8 = 0x04
)

// Channel creation status: zero is success, anything else is a denial.
const dvcCreateOK uint32 = 0x00000000

// Dynamic channel name for the display control extension (MS-RDPEDISP).
const displayChannelName = "Microsoft::Windows::RDS::DisplayControl"

// dvcHeader packs the cmd/sp/cbChId bits of the DVC header octet. All PDUs
// this transport emits use 4-byte channel IDs (cbChId=2).
func dvcHeader(cmd uint8) byte {
	return (cmd&0x0F)<<4 | 0x02
}

// serializeChannelCreate builds DYNVC_CREATE_REQ for a named channel.
func serializeChannelCreate(channelID uint32, name string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(dvcHeader(dvcCmdCreate))
	_ = binary.Write(buf, binary.LittleEndian, channelID)
	buf.WriteString(name)
	buf.WriteByte(0)
	return buf.Bytes()
}

// parseChannelResponse decodes DYNVC_CREATE_RSP, returning the channel ID and
// whether the server accepted the channel.
func parseChannelResponse(data []byte) (uint32, bool, error) {
	if len(data) < 9 {
		return 0, false, fmt.Errorf("channel response too short: %d bytes", len(data))
	}

	if data[0]>>4 != dvcCmdCreate {
		return 0, false, fmt.Errorf("unexpected DVC command: 0x%02X", data[0]>>4)
	}

	channelID := binary.LittleEndian.Uint32(data[1:5])
	status := binary.LittleEndian.Uint32(data[5:9])

	return channelID, status == dvcCreateOK, nil
}

// Display control PDU types (MS-RDPEDISP 2.2.2).
const (
	dispPDUTypeMonitorLayout uint32 = 0x00000002
	dispPDUTypeCaps          uint32 = 0x00000005
)

const monitorFlagPrimary uint32 = 0x00000001

// monitorLayoutPDU is DISPLAYCONTROL_MONITOR_LAYOUT_PDU with a single
// primary monitor. The server acknowledges an applied layout by
// re-advertising its display caps.
type monitorLayoutPDU struct {
	Type               uint32 `struc:"little"`
	Length             uint32 `struc:"little"`
	NumMonitors        uint32 `struc:"little"`
	Flags              uint32 `struc:"little"`
	Left               int32  `struc:"little"`
	Top                int32  `struc:"little"`
	Width              uint32 `struc:"little"`
	Height             uint32 `struc:"little"`
	PhysicalWidth      uint32 `struc:"little"`
	PhysicalHeight     uint32 `struc:"little"`
	Orientation        uint32 `struc:"little"`
	DesktopScaleFactor uint32 `struc:"little"`
	DeviceScaleFactor  uint32 `struc:"little"`
}

// serializeMonitorLayout builds a single-monitor layout wrapped in a DVC data
// PDU addressed to the display control channel.
func serializeMonitorLayout(channelID, width, height uint32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(dvcHeader(dvcCmdData))
	_ = binary.Write(buf, binary.LittleEndian, channelID)

	layout := monitorLayoutPDU{
		Type:               dispPDUTypeMonitorLayout,
		Length:             52,
		NumMonitors:        1,
		Flags:              monitorFlagPrimary,
		Width:              width,
		Height:             height,
		DesktopScaleFactor: 100,
		DeviceScaleFactor:  100,
	}
	if err := struc.Pack(buf, &layout); err != nil {
		return nil, fmt.Errorf("monitor layout: %w", err)
	}

	return buf.Bytes(), nil
}

// parseChannelData decodes a DVC data PDU, returning the channel ID and the
// channel payload.
func parseChannelData(data []byte) (uint32, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("channel data too short: %d bytes", len(data))
	}

	channelID := binary.LittleEndian.Uint32(data[1:5])
	return channelID, data[5:], nil
}

// isDisplayCaps reports whether a display channel payload is a
// DISPLAYCONTROL_CAPS_PDU.
func isDisplayCaps(payload []byte) bool {
	return len(payload) >= 4 && binary.LittleEndian.Uint32(payload[0:4]) == dispPDUTypeCaps
}
