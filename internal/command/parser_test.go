package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/room"
	"github.com/arcaea-link/linkplayd/internal/wire"
)

func testRoom() *room.Room {
	r := room.New(7, "AAAA00", "share7aa00", 8, 0)
	for i := 0; i < 4; i++ {
		r.Players[i].PlayerID = uint64(i + 1)
		r.Players[i].Online = 1
		r.Players[i].PlayerState = 1
	}
	r.HostID = 1
	r.SetState(room.StateLobby)
	return r
}

// inboundPacket builds a full client->server packet: the shared
// magic|cmd|version|room_id|client_no header followed by body.
func inboundPacket(r *room.Room, clientNo uint32, opcode uint8, body ...byte) []byte {
	out := make([]byte, 0, headerLen+len(body))
	out = append(out, wire.Magic[:]...)
	out = append(out, opcode, wire.ProtocolVersion)
	out = codec.AppendLE(out, r.RoomID, 8)
	out = codec.AppendLE(out, uint64(clientNo), 4)
	out = append(out, body...)
	return out
}

// playerIDBody pads 8 placeholder bytes (the random_code slot the
// reference layout reserves at body offset 0) ahead of a u64 player_id,
// matching the absolute-offset-24 field every id-addressed opcode reads.
func playerIDBody(id uint64) []byte {
	out := make([]byte, 8)
	return codec.AppendLE(out, id, 8)
}

// decodeFlag reads the status byte out of an encoded 0x0D reply: 16-byte
// header, 8-byte random_code, then the flag.
func decodeFlag(t *testing.T, cmd []byte) uint8 {
	t.Helper()
	require.Greater(t, len(cmd), 24)
	return cmd[24]
}

func TestHeartbeatFirstReportEntersLobbyAndSnapshots(t *testing.T) {
	r := testRoom()
	r.Players[0].Online = 0
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 0, wire.CmdHeartbeat)
	_, err := p.Dispatch(r, 0, 5000, packet, cfg, rnd)
	require.NoError(t, err)

	assert.Equal(t, uint8(1), r.Players[0].Online)
	assert.Equal(t, int64(5000), r.Players[0].LastTimestamp)
	assert.Equal(t, room.StateLobby, r.State)
	assert.Equal(t, uint32(0), r.Players[0].StartCommandNum)
	assert.NotEmpty(t, r.CommandQueue, "first report queues a 0x15 snapshot")
}

func TestHeartbeatQuorumAdvancesPrivateLobbyToReady(t *testing.T) {
	r := testRoom()
	for i := range r.Players {
		r.Players[i].LastTimestamp = 1
	}
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	// Every slot already reports player_state 1 (the lobby default); a
	// heartbeat from any slot should observe quorum and advance.
	packet := inboundPacket(r, 1, wire.CmdHeartbeat,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1)
	direct, err := p.Dispatch(r, 0, 2_000_000, packet, cfg, rnd)
	require.NoError(t, err)

	assert.Equal(t, room.StateReady, r.State)
	assert.Len(t, direct, 1, "heartbeat's only direct reply is a 0x0C tick")
}

func TestSetHostByAnyCallerReassignsOnlineTarget(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	// Caller is slot 1 (not host), naming slot 2's player_id as the new
	// host: the reference command_01 has no host-only gate at all.
	packet := inboundPacket(r, 1, wire.CmdSetHost, playerIDBody(r.Players[2].PlayerID)...)
	direct, err := p.Dispatch(r, 1, 0, packet, cfg, rnd)
	require.NoError(t, err)
	assert.Nil(t, direct, "set_host never replies directly")
	assert.Equal(t, r.Players[2].PlayerID, r.HostID)
	assert.NotEmpty(t, r.CommandQueue)
}

func TestSetHostIgnoresOfflineTarget(t *testing.T) {
	r := testRoom()
	r.Players[2].Online = 0
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdSetHost, playerIDBody(r.Players[2].PlayerID)...)
	_, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.HostID, "host unchanged when the named target is offline")
}

func TestKickByNonHostFails(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdKick, playerIDBody(r.Players[2].PlayerID)...)
	direct, err := p.Dispatch(r, 1, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagNotHost, decodeFlag(t, direct[0]))
	assert.NotEqual(t, uint64(0), r.Players[2].PlayerID)
}

func TestKickByHostRemovesTargetSlot(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdKick, playerIDBody(r.Players[2].PlayerID)...)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagSuccessUpdate, decodeFlag(t, direct[0]))
	assert.Equal(t, uint64(0), r.Players[2].PlayerID)
}

func TestKickHostCannotKickItself(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdKick, playerIDBody(r.Players[0].PlayerID)...)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagNotHost, decodeFlag(t, direct[0]))
	assert.NotEqual(t, uint64(0), r.Players[0].PlayerID)
}

func TestLeaveRemovesCallerAndBroadcastsWithoutNewHost(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdLeave)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	assert.Nil(t, direct)
	assert.Equal(t, uint64(0), r.Players[0].PlayerID)
	assert.NotEmpty(t, r.CommandQueue)
}

func TestReturnLobbyForcesStateUnconditionally(t *testing.T) {
	r := testRoom()
	r.SetState(room.StatePlaying)
	r.SongIdx = 3
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	packet := inboundPacket(r, 1, wire.CmdReturnLobby)
	_, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	assert.Equal(t, room.StateLobby, r.State)
	assert.Equal(t, room.NoSongSelected, r.SongIdx)
}

func TestSubmitScoreClosesOutSongWhenEveryoneFinishes(t *testing.T) {
	r := testRoom()
	r.SetState(room.StatePlaying)
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	body := func(score uint32) []byte {
		out := make([]byte, 8) // offset 16..23 unused by submit_score
		out = codec.AppendLE(out, uint64(score), 4)
		out = append(out, 0, 0, 0) // cleartype, difficulty, best_score_flag
		out = codec.AppendLE(out, 0, 2)  // shiny
		out = codec.AppendLE(out, 0, 2)  // perfect
		out = codec.AppendLE(out, 0, 2)  // near
		out = codec.AppendLE(out, 0, 2)  // miss
		out = codec.AppendLE(out, 0, 2)  // early
		out = codec.AppendLE(out, 0, 2)  // late
		out = codec.AppendLE(out, 0, 4)  // healthy
		return out
	}

	for i := 0; i < 4; i++ {
		packet := inboundPacket(r, 1, wire.CmdSubmitScore, body(1_000_000)...)
		direct, err := p.Dispatch(r, i, 0, packet, cfg, rnd)
		require.NoError(t, err)
		assert.Nil(t, direct, "submit_score never replies directly")
	}

	assert.Equal(t, room.StateResult, r.State)
	assert.Equal(t, uint16(0), r.LastSongIdx)
}

func TestRoomSettingsPublicForcesRoundAndTimedMode(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	// round_mode(ignored)=1, is_public=1, timed_mode(ignored)=0, at
	// absolute offsets 24/25/26 (body offsets 8/9/10).
	body := append(make([]byte, 8), 1, 1, 0)
	packet := inboundPacket(r, 1, wire.CmdRoomSettings, body...)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagSuccessUpdate, decodeFlag(t, direct[0]))
	assert.Equal(t, room.RoundVote, r.RoundMode)
	assert.Equal(t, uint8(1), r.TimedMode)
	assert.Equal(t, uint8(1), r.IsPublic)
	assert.Equal(t, room.StateLobby, r.State)
}

func TestRoomSettingsPrivateTakesBodyValues(t *testing.T) {
	r := testRoom()
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	body := append(make([]byte, 8), room.RoundRotate, 0, 1)
	packet := inboundPacket(r, 1, wire.CmdRoomSettings, body...)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagSuccessUpdate, decodeFlag(t, direct[0]))
	assert.Equal(t, room.RoundRotate, r.RoundMode)
	assert.Equal(t, uint8(1), r.TimedMode)
	assert.Equal(t, uint8(0), r.IsPublic)
}

func TestVoteResolvesOnceEveryoneHasVoted(t *testing.T) {
	r := testRoom()
	r.RoundMode = room.RoundVote
	r.SetState(room.StateReady)
	r.SongUnlock = []byte{0xFF}
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, []int{0})

	for i := 0; i < 4; i++ {
		body := make([]byte, 8)
		body = codec.AppendLE(body, uint64(i), 2)
		packet := inboundPacket(r, 1, wire.CmdVote, body...)
		direct, err := p.Dispatch(r, i, 0, packet, cfg, rnd)
		require.NoError(t, err)
		require.Len(t, direct, 1)
		assert.Equal(t, flagSuccessUpdate, decodeFlag(t, direct[0]))
	}

	assert.Equal(t, room.StateSongSelected, r.State)
}

func TestVoteRejectsWithTooFewPlayers(t *testing.T) {
	r := testRoom()
	r.RoundMode = room.RoundVote
	r.SetState(room.StateReady)
	for i := 1; i < 4; i++ {
		r.Players[i] = room.EmptyPlayer(uint8(i), 8)
	}
	p := Parser{}
	cfg := config.Default()
	rnd := randsrc.NewFixed(nil, nil)

	body := make([]byte, 8)
	body = codec.AppendLE(body, 0, 2)
	packet := inboundPacket(r, 1, wire.CmdVote, body...)
	direct, err := p.Dispatch(r, 0, 0, packet, cfg, rnd)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, flagTooFewPlayers, decodeFlag(t, direct[0]))
}
