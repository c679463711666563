package command

import (
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/room"
	"github.com/arcaea-link/linkplayd/internal/wire"
)

// headerLen is the shared magic|cmd|version|room_id|queue_len header
// every inbound and outbound command carries; inbound field offsets
// below are all relative to the raw packet, header included, matching
// the reference parser's CommandParser::c_u8/c_u32 helpers which index
// directly into the whole packet rather than a body slice.
const headerLen = 2 + 1 + 1 + 8 + 4

// randomCodeLen is how many trailing bytes past the header carry the
// inbound random_code to echo (command.len() >= 24 in the reference).
const randomCodeLen = 8

// Parser dispatches one decoded UDP payload against a room, mutating
// state and queueing outbound commands. Every handler receives the
// caller's slot index rather than re-deriving it, since the caller is
// always identified by session lookup before dispatch.
type Parser struct{}

// Dispatch decodes the opcode byte (packet[2], just past the shared
// magic+cmd+version+room_id+queue_len header) of packet and runs the
// matching handler. now is microseconds since epoch (clock.Source.NowMicro).
// Any room mutation stamps room.Timestamp = now+1 before returning, the
// activity invariant spec.md §3 requires of every mutating handler.
// The returned slice holds any direct reply the handler produced (e.g. a
// 0x0C tick or a 0x0D flag) to be appended to this packet's outbound
// batch ahead of the broadcast/extra-queue drain, per spec.md §4.4's
// outbound-batching rule.
func (p Parser) Dispatch(r *room.Room, playerIndex int, now int64, packet []byte, cfg *config.Config, rnd randsrc.Source) ([][]byte, error) {
	if len(packet) < 3 {
		return nil, nil
	}

	sender := NewSender(rnd)
	if len(packet) >= headerLen+randomCodeLen {
		var code [4]byte
		copy(code[:], packet[headerLen:headerLen+4])
		sender.SetRandomCode(code)
	}

	opcode := codec.ReadU8(packet, 2)
	before := r.Timestamp

	var direct []byte
	switch opcode {
	case wire.CmdSetHost:
		p.setHost(r, packet, sender)
	case wire.CmdPickSong:
		direct = p.pickSong(r, packet, sender)
	case wire.CmdSubmitScore:
		p.submitScore(r, playerIndex, packet, cfg, sender)
	case wire.CmdKick:
		direct = p.kick(r, playerIndex, packet, cfg, sender)
	case wire.CmdReturnLobby:
		p.returnLobby(r, sender)
	case wire.CmdUpdateUnlock:
		p.updateUnlock(r, playerIndex, packet, cfg, sender)
	case wire.CmdOutdated:
		return nil, nil
	case wire.CmdHeartbeat:
		direct = p.heartbeat(r, playerIndex, packet, now, cfg, rnd, sender)
	case wire.CmdLeave:
		p.leave(r, playerIndex, cfg, sender)
	case wire.CmdSongPreview:
		p.songPreview(r, playerIndex, packet, sender)
	case wire.CmdSticker:
		p.sticker(r, playerIndex, packet, sender)
	case wire.CmdRoomSettings, wire.CmdRoomSettings2:
		direct = p.roomSettings(r, packet, sender)
	case wire.CmdVote:
		direct = p.vote(r, playerIndex, packet, now, cfg, rnd, sender)
	default:
		return nil, nil
	}

	if r.Timestamp == before {
		r.Timestamp = now + 1
	}
	if direct == nil {
		return nil, nil
	}
	return [][]byte{direct}, nil
}

func isHost(r *room.Room, playerIndex int) bool {
	return r.Players[playerIndex].PlayerID != 0 && r.Players[playerIndex].PlayerID == r.HostID
}

// body reads the byte at absolute packet offset headerLen+idx.
func body(packet []byte, idx int) uint8 {
	return codec.ReadU8(packet, headerLen+idx)
}

func bodyU16(packet []byte, idx int) uint16 {
	return codec.ReadU16LE(packet, headerLen+idx)
}

func bodyU32(packet []byte, idx int) uint32 {
	return codec.ReadU32LE(packet, headerLen+idx)
}

// setHost reassigns the host to the player named by the body's
// player_id, provided that player currently holds an online slot. There
// is no host-only gate here: any connected player may hand the host role
// to any other online player, matching the reference command_01 exactly.
func (p Parser) setHost(r *room.Room, packet []byte, sender *Sender) {
	targetID := codec.ReadU64LE(packet, headerLen+8)
	for i := range r.Players {
		if r.Players[i].PlayerID == targetID && r.Players[i].Online == 1 {
			r.HostID = targetID
			break
		}
	}
	sender.NewHost(r)
}

// pickSong records the host's chart choice while the room is in the
// ready state and always replies with a direct 0x0D flag: 0 on success,
// 5 if the room wasn't ready. A voting round rejects the command
// outright with no reply at all, matching the reference command_02.
func (p Parser) pickSong(r *room.Room, packet []byte, sender *Sender) []byte {
	if r.RoundMode == room.RoundVote {
		return nil
	}

	flag := flagWrongState
	if r.State == room.StateReady {
		r.SongIdx = bodyU16(packet, 8)
		r.SetState(room.StateSongSelected)
		sender.PlayersInfo(r)
		sender.RoomInfo(r)
		flag = flagSuccessSelectSong
	}
	return sender.Flag(r, flag)
}

// submitScore applies a final score submission from the caller,
// rewinds their liveness timer (saturating at zero) so the very next
// heartbeat reads as fresh rather than overdue, and, once every online
// player has finished, closes out the song via room.MakeFinish.
func (p Parser) submitScore(r *room.Room, playerIndex int, packet []byte, cfg *config.Config, sender *Sender) {
	caller := &r.Players[playerIndex]
	caller.ScoreValue.ScoreValue = bodyU32(packet, 8)
	caller.ScoreValue.ClearType = body(packet, 12)
	caller.ScoreValue.Difficulty = body(packet, 13)
	caller.ScoreValue.BestScoreFlag = body(packet, 14)
	caller.ScoreValue.ShinyPerfectCount = bodyU16(packet, 15)
	caller.ScoreValue.PerfectCount = bodyU16(packet, 17)
	caller.ScoreValue.NearCount = bodyU16(packet, 19)
	caller.ScoreValue.MissCount = bodyU16(packet, 21)
	caller.ScoreValue.EarlyCount = bodyU16(packet, 23)
	caller.ScoreValue.LateCount = bodyU16(packet, 25)
	caller.ScoreValue.Healthy = int32(bodyU32(packet, 27))
	caller.FinishFlag = 1

	if caller.LastTimestamp < cfg.CommandIntervalUsec {
		caller.LastTimestamp = 0
	} else {
		caller.LastTimestamp -= cfg.CommandIntervalUsec
	}

	r.LastSongIdx = r.SongIdx
	sender.PlayerInfo(r, playerIndex)

	if r.IsFinish() {
		r.MakeFinish()
		sender.RoomInfo(r)
	}
}

// kick removes the slot named by the body's player_id. Only the host
// may kick, and the host can't kick itself; either failure replies with
// flag 2 (not host), success with flag 1, always as a direct 0x0D reply.
func (p Parser) kick(r *room.Room, playerIndex int, packet []byte, cfg *config.Config, sender *Sender) []byte {
	targetID := codec.ReadU64LE(packet, headerLen+8)
	flag := flagNotHost

	if isHost(r, playerIndex) && targetID != r.HostID {
		for i := range r.Players {
			if r.Players[i].PlayerID == targetID {
				r.DeletePlayer(i, cfg)
				sender.PlayerInfo(r, i)
				sender.SongUnlock(r)
				flag = flagSuccessUpdate
				break
			}
		}
	}

	return sender.Flag(r, flag)
}

// returnLobby unconditionally forces the room back to the lobby,
// clearing the current song pick and any in-progress vote. Unlike the
// quorum-gated state-machine transitions heartbeat drives, a single
// caller invoking this command is enough, matching command_06.
func (p Parser) returnLobby(r *room.Room, sender *Sender) {
	r.SetState(room.StateLobby)
	r.SongIdx = room.NoSongSelected
	r.VotingClear()
	sender.RoomInfo(r)
}

// updateUnlock replaces the caller's song-unlock bitmap, starting at
// the body's byte 8 (absolute offset 24), and recomputes the room's
// merged bitmap.
func (p Parser) updateUnlock(r *room.Room, playerIndex int, packet []byte, cfg *config.Config, sender *Sender) {
	caller := &r.Players[playerIndex]
	n := cfg.UnlockLength
	start := headerLen + 8
	if start > len(packet) {
		start = len(packet)
	}
	caller.SetSongUnlock(packet[start:], n)
	r.UpdateSongUnlock(n)
	sender.SongUnlock(r)
}

// leave removes the caller's slot and always broadcasts the player-info
// removal and refreshed song-unlock bitmap, matching command_0a. Unlike
// kick, a departure never itself announces a host change.
func (p Parser) leave(r *room.Room, playerIndex int, cfg *config.Config, sender *Sender) {
	r.DeletePlayer(playerIndex, cfg)
	sender.PlayerInfo(r, playerIndex)
	sender.RoomInfo(r)
	sender.SongUnlock(r)
}

// songPreview relays the caller's chart preview pick, read from the
// body's first two bytes, to every other online slot.
func (p Parser) songPreview(r *room.Room, playerIndex int, packet []byte, sender *Sender) {
	songIdx := bodyU16(packet, 0)
	sender.SongPreview(r, playerIndex, songIdx)
}

// sticker relays a sticker send from the caller, read from the body's
// first two bytes, to every other online slot. There is no addressed
// target: this is a send-to-the-rest-of-the-room command.
func (p Parser) sticker(r *room.Room, playerIndex int, packet []byte, sender *Sender) {
	stickerID := bodyU16(packet, 0)
	sender.Sticker(r, playerIndex, stickerID)
}

// roomSettings applies host-controlled room configuration. is_public is
// read first (body byte 9, absolute offset 25): a public room forces a
// vote-less round mode, timed mode, and resets to the lobby; a private
// room instead takes round_mode and timed_mode straight from the body.
// Always replies with a direct 0x0D flag 1.
func (p Parser) roomSettings(r *room.Room, packet []byte, sender *Sender) []byte {
	isPublic := body(packet, 9)
	r.IsPublic = isPublic
	if isPublic == 0 {
		r.RoundMode = body(packet, 8)
		r.TimedMode = body(packet, 10)
	} else {
		r.RoundMode = room.RoundVote
		r.TimedMode = 1
		r.SetState(room.StateLobby)
	}
	sender.PlayersInfo(r)
	sender.RoomInfo(r)
	return sender.Flag(r, flagSuccessUpdate)
}

// vote records the caller's chart vote. It first refreshes liveness via
// CheckPlayerOnline, then replies immediately with flag 6 if fewer than
// two players remain, or flag 5 if the room isn't in the ready state.
// Otherwise it stores the vote, broadcasts the caller's player-info,
// resolves the pick once everyone has voted, and always replies flag 1.
func (p Parser) vote(r *room.Room, playerIndex int, packet []byte, now int64, cfg *config.Config, rnd randsrc.Source, sender *Sender) []byte {
	r.CheckPlayerOnline(now, cfg)

	if r.PlayerNum() < 2 {
		return sender.Flag(r, flagTooFewPlayers)
	}
	if r.State != room.StateReady {
		return sender.Flag(r, flagWrongState)
	}

	r.Players[playerIndex].Voting = bodyU16(packet, 8)
	sender.PlayerInfo(r, playerIndex)

	if r.IsAllPlayerVoted() {
		r.MakeVoting(cfg.UnlockLength, rnd)
		sender.RoomInfo(r)
	}

	return sender.Flag(r, flagSuccessUpdate)
}

// flagSuccessSelectSong, flagSuccessUpdate, flagNotHost, flagWrongState,
// and flagTooFewPlayers are the 0x0D reply byte values (distinct from
// and unrelated to linkerr's JSON error codes).
const (
	flagSuccessSelectSong uint8 = 0
	flagSuccessUpdate     uint8 = 1
	flagNotHost           uint8 = 2
	flagWrongState        uint8 = 5
	flagTooFewPlayers     uint8 = 6
)

// heartbeat is command 0x09, the primary state-machine driver (spec.md
// §4.4). On a player's first report (client_no == 0) it marks the slot
// online, enters the lobby, recomputes the room's merged song-unlock
// bitmap, stashes start_command_num, and replies with a full snapshot.
// On every later report it refreshes liveness, evicts/relabels stale
// slots, diffs the caller's reported per-field state, and evaluates
// every state-graph transition in spec.md §4.3 independent of any timer
// where a quorum exists. Every broadcast this produces (0x11/0x12/0x13)
// is deferred to a single push per kind at the very end, so one dispatch
// never emits the same command twice; the only direct reply a heartbeat
// ever returns is a 0x0C tick, never a 0x0D flag.
func (p Parser) heartbeat(r *room.Room, playerIndex int, packet []byte, now int64, cfg *config.Config, rnd randsrc.Source, sender *Sender) []byte {
	caller := &r.Players[playerIndex]
	clientNo := codec.ReadU32LE(packet, 12)

	if clientNo == 0 {
		caller.Online = 1
		caller.LastTimestamp = now
		r.SetState(room.StateLobby)
		r.UpdateSongUnlock(cfg.UnlockLength)
		caller.StartCommandNum = r.CommandQueueLength()
		sender.Snapshot(r)
		return nil
	}

	var flag11, flag12, flag13, flag0c bool

	if now-caller.LastTimestamp >= cfg.CommandIntervalUsec {
		caller.LastTimestamp = now
		flag0c = true
	}

	if kicked, relabeled := r.CheckPlayerOnline(now, cfg); kicked || len(relabeled) > 0 {
		for _, idx := range relabeled {
			if idx == playerIndex {
				flag12 = true
			} else {
				sender.PlayerInfo(r, idx)
			}
		}
		flag0c = true
	}

	if caller.PlayerID == 0 {
		// The caller's own slot was just evicted by CheckPlayerOnline
		// above; nothing further to do on their behalf this tick.
		return nil
	}

	if caller.Online == 0 {
		caller.Online = 1
		flag12 = true
	}

	if r.TimedMode == 1 && (r.State == room.StateLobby || r.State == room.StateReady) && caller.PlayerState == 8 {
		r.DeletePlayer(playerIndex, cfg)
		sender.PlayerInfo(r, playerIndex)
		sender.SongUnlock(r)
		return nil
	}

	// 1 -> 2: quorum (every online slot reports player_state==1, and
	// either a private room with >=2 players or a full public room) or,
	// for public rooms only, the separate matching countdown.
	if r.State == room.StateLobby {
		quorum := r.IsReady(room.StateLobby, 1) &&
			((r.PlayerNum() > 1 && r.IsPublic == 0) || (r.IsPublic == 1 && r.PlayerNum() == 4))
		timed := r.IsPublic == 1 && r.PlayerNum() > 1 && r.ShouldNextState(now, cfg)
		if quorum || timed {
			r.SetState(room.StateReady)
			flag13 = true
		}
	}

	// 2 -> 3: vote resolution (quorum or timeout) or host pick timeout.
	if r.State == room.StateReady {
		if r.RoundMode == room.RoundVote {
			if r.IsAllPlayerVoted() || r.ShouldNextState(now, cfg) {
				r.MakeVoting(cfg.UnlockLength, rnd)
				flag13 = true
			}
		} else if r.ShouldNextState(now, cfg) {
			r.RandomSong(cfg.UnlockLength, rnd)
			r.SetState(room.StateSongSelected)
			flag13 = true
		}
	}

	// 2/3 -> 1 fallback: a room can't stay past the lobby with fewer
	// than two players.
	if (r.State == room.StateReady || r.State == room.StateSongSelected) && r.PlayerNum() < 2 {
		r.SetState(room.StateLobby)
		r.SongIdx = room.NoSongSelected
		r.VotingClear()
		flag13 = true
	}

	// Diff the caller's reported fields.
	newPlayerState := body(packet, 16)
	newDifficulty := body(packet, 17)
	newClearType := body(packet, 18)
	newDownloadPercent := body(packet, 19)
	newCharacterID := body(packet, 20)
	newIsUncapped := body(packet, 21)
	newScore := bodyU32(packet, 8)

	if caller.PlayerState != newPlayerState {
		caller.PlayerState = newPlayerState
		flag12 = true
	}
	if newPlayerState < 5 || newPlayerState > 8 {
		if caller.ScoreValue.Difficulty != newDifficulty {
			caller.ScoreValue.Difficulty = newDifficulty
			flag12 = true
		}
	}
	if newPlayerState != 7 && newPlayerState != 8 {
		if caller.ScoreValue.ClearType != newClearType {
			caller.ScoreValue.ClearType = newClearType
			flag12 = true
		}
	}
	if caller.DownloadPercent != newDownloadPercent {
		caller.DownloadPercent = newDownloadPercent
		flag12 = true
	}
	if caller.CharacterID != newCharacterID {
		caller.CharacterID = newCharacterID
		flag12 = true
	}
	if caller.IsUncapped != newIsUncapped {
		caller.IsUncapped = newIsUncapped
		flag12 = true
	}
	if r.State == room.StateSongSelected {
		caller.ScoreValue.ScoreValue = newScore
	}

	// 3 -> 4: every online slot ready, or the pick-difficulty timeout.
	if r.State == room.StateSongSelected {
		if r.IsReady(room.StateSongSelected, 3) || r.ShouldNextState(now, cfg) {
			if r.RoundMode == room.RoundRotate {
				r.MakeRound()
				sender.NewHost(r)
			}
			for i := range r.Players {
				r.Players[i].FinishFlag = 0
			}
			r.SetState(room.StateSongReady)
			flag13 = true
		}
	}

	// 4 -> 5: fixed song-ready countdown.
	if r.State == room.StateSongReady && r.ShouldNextState(now, cfg) {
		r.SetState(room.StateSongLoading)
		flag13 = true
	}

	// 5 -> 6 (everyone loaded) or 5 -> 7 (load timeout skips straight
	// to playing).
	if r.State == room.StateSongLoading {
		if r.IsReady(room.StateSongLoading, 6) {
			r.SetState(room.StatePlaying)
			flag13 = true
		} else if r.ShouldNextState(now, cfg) {
			r.SetState(room.StateSongStarting)
			flag13 = true
		}
	}

	// 6 -> 7: starting countdown elapses.
	if r.State == room.StateSongStarting && r.ShouldNextState(now, cfg) {
		r.SetState(room.StatePlaying)
		flag13 = true
	}

	// Playing: advance the caller's live timer and fan the update out to
	// every one of the four slots, including the caller's own, matching
	// the reference's unconditional four-slot push.
	if r.State == room.StatePlaying {
		playerNowTimer := bodyU32(packet, 12)
		if caller.ScoreValue.Timer < playerNowTimer || (playerNowTimer == 0 && caller.ScoreValue.Timer != 0) {
			caller.LastScore.Timer = playerNowTimer
			caller.LastScore.ScoreValue = caller.ScoreValue.ScoreValue
			caller.ScoreValue.Timer = playerNowTimer
		}
		if caller.ScoreValue.Timer != 0 || r.State != room.StateResult {
			for i := range r.Players {
				sender.ScoreUpdate(r, i, playerIndex)
			}
		}
	}

	// 8 -> 1: every slot has returned to the lobby, or the result-screen
	// timeout elapses.
	if r.State == room.StateResult {
		if r.IsReady(room.StateResult, 1) || r.ShouldNextState(now, cfg) {
			r.SetState(room.StateLobby)
			r.SongIdx = room.NoSongSelected
			r.VotingClear()
			flag13 = true
		}
	}

	if flag11 {
		sender.PlayersInfo(r)
	}
	if flag12 {
		sender.PlayerInfo(r, playerIndex)
	}
	if flag13 {
		sender.RoomInfo(r)
	}
	if flag0c {
		return sender.Tick(r, playerIndex)
	}
	return nil
}
