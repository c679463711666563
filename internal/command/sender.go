// Package command builds and dispatches the link play binary commands:
// the outbound builders in this file, the inbound opcode dispatcher in
// parser.go.
package command

import (
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/room"
	"github.com/arcaea-link/linkplayd/internal/wire"
)

// maxExtraQueue bounds each player's directed command queue; only the
// most recent entries survive a flood of per-player pushes (spec.md §4.2).
const maxExtraQueue = 12

// Sender builds outbound commands against a room's current state and
// queues them either room-wide (r.CommandQueue, replayed per player by
// index) or to one player's bounded extra queue.
//
// A Sender is constructed fresh per dispatched packet (NewSender); its
// random_code is either echoed from the inbound packet (SetRandomCode)
// or lazily generated on first use, and stays fixed for every builder
// call made against that one Sender for the rest of the dispatch.
type Sender struct {
	rnd  randsrc.Source
	code *[8]byte
}

// NewSender builds a Sender whose lazily-generated random_code (if no
// inbound code is echoed via SetRandomCode) is drawn from rnd.
func NewSender(rnd randsrc.Source) *Sender {
	return &Sender{rnd: rnd}
}

// SetRandomCode fixes this Sender's random_code to the first 4 bytes of
// code (the last 4 are always zero on the wire), matching the reference
// implementation's echo of the inbound packet's bytes[16..24] when
// present.
func (s *Sender) SetRandomCode(first4 [4]byte) {
	var code [8]byte
	copy(code[:4], first4[:])
	s.code = &code
}

// randomCode returns this dispatch's stable 8-byte random_code field,
// generating one from rnd the first time it's needed if no inbound code
// was echoed.
func (s *Sender) randomCode() []byte {
	if s.code == nil {
		var code [8]byte
		if s.rnd != nil {
			s.rnd.FillBytes(code[:4])
		}
		s.code = &code
	}
	return s.code[:]
}

// broadcast appends an encoded command to the room-wide queue.
func (s *Sender) broadcast(r *room.Room, opcode uint8, payload []byte) {
	prefix := wire.CommandPrefix(r.RoomID, r.CommandQueueLength(), opcode)
	r.CommandQueue = append(r.CommandQueue, wire.Encode(prefix, payload))
}

// direct appends an encoded command to playerIndex's extra queue,
// trimming to the most recent maxExtraQueue entries.
func (s *Sender) direct(r *room.Room, playerIndex int, opcode uint8, payload []byte) {
	p := &r.Players[playerIndex]
	prefix := wire.CommandPrefix(r.RoomID, uint32(len(p.ExtraCommandQueue)), opcode)
	p.ExtraCommandQueue = append(p.ExtraCommandQueue, wire.Encode(prefix, payload))
	if len(p.ExtraCommandQueue) > maxExtraQueue {
		p.ExtraCommandQueue = p.ExtraCommandQueue[len(p.ExtraCommandQueue)-maxExtraQueue:]
	}
}

// directToOthers queues the same encoded command into every other
// online slot's extra queue, skipping excludeIndex. Used by the
// preview/sticker relays, which fan out to the rest of the room rather
// than to one addressed target.
func (s *Sender) directToOthers(r *room.Room, excludeIndex int, opcode uint8, payload []byte) {
	for i := range r.Players {
		if i == excludeIndex || r.Players[i].Online != 1 {
			continue
		}
		s.direct(r, i, opcode, payload)
	}
}

// Tick builds a 0x0C heartbeat-ack reply: this dispatch's random_code,
// the room's state, and its current countdown.
func (s *Sender) Tick(r *room.Room, playerIndex int) []byte {
	prefix := wire.CommandPrefix(r.RoomID, r.CommandQueueLength(), wire.OutTick)
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, r.State)
	payload = codec.AppendLE(payload, uint64(r.Countdown), 4)
	payload = codec.AppendLE(payload, uint64(r.Timestamp), 8)
	return wire.Encode(prefix, payload)
}

// Flag builds a 0x0D state-sync reply carrying this dispatch's
// random_code and a single status byte.
func (s *Sender) Flag(r *room.Room, code uint8) []byte {
	prefix := wire.CommandPrefix(r.RoomID, r.CommandQueueLength(), wire.OutFlag)
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, code)
	return wire.Encode(prefix, payload)
}

// ScoreUpdate queues a 0x0E directed update for one player: the sender's
// slot index followed by their current in-progress score bytes. This
// command has no random_code field (matching the reference command_0e).
func (s *Sender) ScoreUpdate(r *room.Room, targetIndex, senderIndex int) {
	p := &r.Players[senderIndex]
	payload := append([]byte{}, p.InfoBytes()...)
	payload = append(payload, codec.AppendLE(nil, uint64(p.LastScore.ScoreValue), 4)...)
	payload = append(payload, 0, 0, 0, 0)
	payload = append(payload, codec.AppendLE(nil, uint64(p.LastScore.Timer), 4)...)
	payload = append(payload, 0, 0, 0, 0)
	s.direct(r, targetIndex, wire.OutScoreUpdate, payload)
}

// SongPreview relays a 0x0F song-preview request for songIdx, from
// playerIndex, into every other online slot's extra queue rather than
// the room-wide broadcast queue (matching the reference command_0f's
// per-target push loop). This command has no random_code field.
func (s *Sender) SongPreview(r *room.Room, playerIndex int, songIdx uint16) {
	p := &r.Players[playerIndex]
	payload := codec.AppendLE(nil, p.PlayerID, 8)
	payload = codec.AppendLE(payload, uint64(songIdx), 2)
	s.directToOthers(r, playerIndex, wire.OutSongPreview, payload)
}

// NewHost broadcasts a 0x10 host-changed notification.
func (s *Sender) NewHost(r *room.Room) {
	payload := append([]byte{}, s.randomCode()...)
	payload = codec.AppendLE(payload, r.HostID, 8)
	s.broadcast(r, wire.OutNewHost, payload)
}

// PlayersInfo broadcasts a 0x11 snapshot of all four slots.
func (s *Sender) PlayersInfo(r *room.Room) {
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, r.GetPlayersInfo()...)
	s.broadcast(r, wire.OutPlayersInfo, payload)
}

// PlayerInfo broadcasts a 0x12 update for a single slot (used after a
// join, a name change, or a disconnect).
func (s *Sender) PlayerInfo(r *room.Room, playerIndex int) {
	p := &r.Players[playerIndex]
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, uint8(playerIndex))
	payload = append(payload, p.InfoBytes()...)
	s.broadcast(r, wire.OutPlayerInfo, payload)
}

// RoomInfo broadcasts a 0x13 full room-info snapshot.
func (s *Sender) RoomInfo(r *room.Room) {
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, r.RoomInfoBytes()...)
	s.broadcast(r, wire.OutRoomInfo, payload)
}

// SongUnlock broadcasts a 0x14 update of the room's merged song-unlock
// bitmap.
func (s *Sender) SongUnlock(r *room.Room) {
	payload := append([]byte{}, s.randomCode()...)
	payload = append(payload, r.SongUnlock...)
	s.broadcast(r, wire.OutSongUnlock, payload)
}

// Snapshot broadcasts a 0x15 combined players-info + song-unlock +
// room-info payload, used on a player's first heartbeat report so a new
// connection can catch up in one command. This command has no
// random_code field (matching the reference command_15).
func (s *Sender) Snapshot(r *room.Room) {
	payload := append([]byte{}, r.GetPlayersInfo()...)
	payload = append(payload, r.SongUnlock...)
	payload = append(payload, r.RoomInfoBytes()...)
	s.broadcast(r, wire.OutSnapshot, payload)
}

// Sticker relays a 0x21 sticker send from senderIndex into every other
// online slot's extra queue (matching the reference command_20's
// broadcast-to-the-rest-of-the-room behavior; there is no single
// addressed target). This command has no random_code field.
func (s *Sender) Sticker(r *room.Room, senderIndex int, stickerID uint16) {
	p := &r.Players[senderIndex]
	payload := codec.AppendLE(nil, p.PlayerID, 8)
	payload = codec.AppendLE(payload, uint64(stickerID), 2)
	s.directToOthers(r, senderIndex, wire.OutSticker, payload)
}
