// Package wire holds the link play binary command layout: opcode
// constants, the shared magic/version/room-id/queue-len header, and the
// PKCS-quirk padding that every outbound command goes through.
package wire

import "github.com/arcaea-link/linkplayd/internal/codec"

// Magic and protocol version prefix every plaintext command, inbound and
// outbound (spec.md §4.1).
var Magic = [2]byte{0x06, 0x16}

// ProtocolVersion is the fixed protocol_version_u8 byte.
const ProtocolVersion uint8 = 0x0E

// Inbound UDP opcodes (client -> server).
const (
	CmdSetHost       uint8 = 0x01
	CmdPickSong      uint8 = 0x02
	CmdSubmitScore   uint8 = 0x03
	CmdKick          uint8 = 0x04
	CmdReturnLobby   uint8 = 0x06
	CmdUpdateUnlock  uint8 = 0x07
	CmdOutdated      uint8 = 0x08
	CmdHeartbeat     uint8 = 0x09
	CmdLeave         uint8 = 0x0A
	CmdSongPreview   uint8 = 0x0B
	CmdSticker       uint8 = 0x20
	CmdRoomSettings  uint8 = 0x22
	CmdRoomSettings2 uint8 = 0x24 // compat alias for CmdRoomSettings
	CmdVote          uint8 = 0x23
)

// Outbound command opcodes (server -> client).
const (
	OutTick         uint8 = 0x0C // tick reply
	OutFlag         uint8 = 0x0D // flag reply
	OutScoreUpdate  uint8 = 0x0E // per-player extra-queue score update
	OutSongPreview  uint8 = 0x0F
	OutNewHost      uint8 = 0x10
	OutPlayersInfo  uint8 = 0x11
	OutPlayerInfo   uint8 = 0x12
	OutRoomInfo     uint8 = 0x13
	OutSongUnlock   uint8 = 0x14
	OutSnapshot     uint8 = 0x15
	OutSticker      uint8 = 0x21
)

// CommandPrefix builds the shared header: magic | cmd | version | room_id |
// queue_len. For opcodes 0x10..=0x1F queue_len is queueLen+1, reflecting
// the command about to be appended.
func CommandPrefix(roomID uint64, queueLen uint32, command uint8) []byte {
	length := queueLen
	if command >= 0x10 && command <= 0x1F {
		length = queueLen + 1
	}

	out := make([]byte, 0, 2+1+1+8+4)
	out = append(out, Magic[:]...)
	out = append(out, command, ProtocolVersion)
	out = codec.AppendLE(out, roomID, 8)
	out = codec.AppendLE(out, uint64(length), 4)
	return out
}

// Encode concatenates parts and pads the result to a 16-byte boundary
// using the protocol's PKCS-quirk scheme (codec.Pad).
func Encode(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return codec.Pad(out)
}
