// Package room implements the per-room state machine: the four player
// slots, timed state transitions, voting, host rotation, and score
// aggregation described in spec.md §3/§4.3.
package room

import (
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
)

// Room states (spec.md §4.3).
const (
	StateInitial         uint8 = 0
	StateLobby           uint8 = 1
	StateReady           uint8 = 2
	StateSongSelected    uint8 = 3
	StateSongReady       uint8 = 4
	StateSongLoading     uint8 = 5
	StateSongStarting    uint8 = 6
	StatePlaying         uint8 = 7
	StateResult          uint8 = 8
)

// Round modes.
const (
	RoundSequential uint8 = 1
	RoundRotate     uint8 = 2
	RoundVote       uint8 = 3
)

// NotCountingDown is the countdown sentinel meaning "no timer active".
const NotCountingDown uint32 = 0xFFFFFFFF

// NoSongSelected is the song_idx sentinel meaning "no song chosen".
const NoSongSelected uint16 = 0xFFFF

// Room is the authoritative per-room state. Callers must hold the owning
// Store's writer lock for the full mutate-and-emit duration of any
// operation on a Room (see spec.md §5).
type Room struct {
	RoomID     uint64
	RoomCode   string
	ShareToken string

	Countdown uint32
	Timestamp int64
	State     uint8
	SongIdx   uint16
	LastSongIdx uint16

	SongUnlock []byte

	HostID  uint64
	Players [4]Player

	Interval uint16
	Times    uint64

	RoundMode uint8
	IsPublic  uint8
	TimedMode uint8

	SelectedVoterPlayerID uint64

	CommandQueue [][]byte

	NextStateTimestamp int64
}

// New creates a room with four empty slots, an all-ones song-unlock
// bitmap, and state 0.
func New(roomID uint64, roomCode, shareToken string, unlockLen int, now int64) *Room {
	var players [4]Player
	for i := range players {
		players[i] = EmptyPlayer(uint8(i), unlockLen)
	}

	unlock := make([]byte, unlockLen)
	for i := range unlock {
		unlock[i] = 0xFF
	}

	return &Room{
		RoomID:             roomID,
		RoomCode:           roomCode,
		ShareToken:         shareToken,
		Countdown:          NotCountingDown,
		Timestamp:          now,
		State:              StateInitial,
		SongIdx:            NoSongSelected,
		LastSongIdx:        NoSongSelected,
		SongUnlock:         unlock,
		Players:            players,
		Interval:           1000,
		Times:              100,
		RoundMode:          RoundSequential,
		CommandQueue:       nil,
		NextStateTimestamp: 0,
	}
}

// SetState transitions to s and resets the countdown.
func (r *Room) SetState(s uint8) {
	r.State = s
	r.Countdown = NotCountingDown
}

// CommandQueueLength returns the current broadcast queue length.
func (r *Room) CommandQueueLength() uint32 {
	return uint32(len(r.CommandQueue))
}

// PlayerNum returns the count of non-empty slots.
func (r *Room) PlayerNum() int {
	n := 0
	for i := range r.Players {
		if r.Players[i].PlayerID != 0 {
			n++
		}
	}
	return n
}

// IsEnterable reports whether a joining player could enter right now.
func (r *Room) IsEnterable() bool {
	n := r.PlayerNum()
	return n > 0 && n < 4 && r.State == StateReady
}

// IsMatchable reports whether this room should appear in matchmaking
// discovery.
func (r *Room) IsMatchable() bool {
	n := r.PlayerNum()
	return r.IsPublic == 1 && n > 0 && n < 4 && r.State == StateLobby
}

// IsPlaying reports whether the room is in states 4..=7.
func (r *Room) IsPlaying() bool {
	return r.State >= StateSongReady && r.State <= StatePlaying
}

// GetPlayersInfo encodes all four slots' info-bytes plus a zero byte and
// the raw 16-byte name, back to back (used by command 0x11/0x15).
func (r *Room) GetPlayersInfo() []byte {
	out := make([]byte, 0, 4*(31+1+16))
	for i := range r.Players {
		out = append(out, r.Players[i].InfoBytes()...)
		out = append(out, 0)
		out = append(out, r.Players[i].PlayerName[:]...)
	}
	return out
}

// GetPlayerLastScore encodes the 4x25-byte last-score block embedded in
// room-info. If no song has ever finished in this room, all four entries
// are the absent sentinel.
func (r *Room) GetPlayerLastScore() []byte {
	if r.LastSongIdx == NoSongSelected {
		one := absentLastScoreInfo()
		out := make([]byte, 0, 25*4)
		for i := 0; i < 4; i++ {
			out = append(out, one...)
		}
		return out
	}

	out := make([]byte, 0, 25*4)
	for i := range r.Players {
		out = append(out, r.Players[i].LastScoreInfoBytes()...)
	}
	return out
}

// RoomInfoBytes encodes the 145-byte room-info record (the fixed header
// plus the embedded 4x25-byte last-score block).
func (r *Room) RoomInfoBytes() []byte {
	out := make([]byte, 0, 145)
	out = codec.AppendLE(out, r.HostID, 8)
	out = append(out, r.State)
	out = codec.AppendLE(out, uint64(r.Countdown), 4)
	out = codec.AppendLE(out, uint64(r.Timestamp), 8)
	out = codec.AppendLE(out, uint64(r.SongIdx), 2)
	out = codec.AppendLE(out, uint64(r.Interval), 2)
	out = codec.AppendLE(out, r.Times, 7)
	out = append(out, r.GetPlayerLastScore()...)
	out = codec.AppendLE(out, uint64(r.LastSongIdx), 2)
	out = append(out, r.RoundMode, r.IsPublic, r.TimedMode)
	out = codec.AppendLE(out, r.SelectedVoterPlayerID, 8)
	return out
}

// MakeRound promotes the host's successor (slot order (i+1)%4, (i+2)%4,
// (i+3)%4) to host, used both when the host leaves and, in round_mode
// rotate, at the end of every song.
func (r *Room) MakeRound() {
	for i := 0; i < 4; i++ {
		if r.Players[i].PlayerID != r.HostID {
			continue
		}
		for j := 1; j < 4; j++ {
			idx := (i + j) % 4
			if r.Players[idx].PlayerID != 0 {
				r.HostID = r.Players[idx].PlayerID
				return
			}
		}
		return
	}
}

// DeletePlayer clears playerIndex back to an empty slot, promoting a new
// host if needed and resetting room-level state that depended on the
// departed player.
func (r *Room) DeletePlayer(playerIndex int, cfg *config.Config) {
	if playerIndex < 0 || playerIndex >= 4 {
		return
	}
	p := r.Players[playerIndex]
	if p.PlayerID == 0 {
		return
	}

	if p.PlayerID == r.HostID {
		r.MakeRound()
	}

	r.Players[playerIndex] = EmptyPlayer(uint8(playerIndex), cfg.UnlockLength)
	r.UpdateSongUnlock(cfg.UnlockLength)

	if r.State == StateReady || r.State == StateSongSelected {
		r.SetState(StateLobby)
		r.SongIdx = NoSongSelected
		r.VotingClear()
	}

	if (r.State == StateLobby || r.State == StateReady) && r.TimedMode == 1 && r.PlayerNum() <= 1 {
		r.NextStateTimestamp = 0
		r.Countdown = NotCountingDown
	}
}

// UpdateSongUnlock recomputes the room's song-unlock bitmap as the
// bitwise AND of every non-empty slot's unlock bitmap.
func (r *Room) UpdateSongUnlock(unlockLen int) {
	unlock := make([]byte, unlockLen)
	for i := range unlock {
		unlock[i] = 0xFF
	}

	for i := range r.Players {
		if r.Players[i].PlayerID == 0 {
			continue
		}
		for idx := range unlock {
			var src byte
			if idx < len(r.Players[i].SongUnlock) {
				src = r.Players[i].SongUnlock[idx]
			}
			unlock[idx] &= src
		}
	}

	r.SongUnlock = unlock
}

// CheckPlayerOnline deletes slots that have gone silent past
// PlayerTimeoutUsec and flips `online` to 0 for slots past
// PlayerPreTimeoutUsec. It returns whether any slot was deleted and the
// list of changed slot indices (for 0x12 broadcasts).
func (r *Room) CheckPlayerOnline(now int64, cfg *config.Config) (kicked bool, changed []int) {
	for i := 0; i < 4; i++ {
		p := &r.Players[i]
		if p.PlayerID == 0 || p.LastTimestamp == 0 {
			continue
		}

		if now-p.LastTimestamp >= cfg.PlayerTimeoutUsec {
			r.DeletePlayer(i, cfg)
			kicked = true
			changed = append(changed, i)
		} else if p.Online == 1 && now-p.LastTimestamp >= cfg.PlayerPreTimeoutUsec {
			p.Online = 0
			changed = append(changed, i)
		}
	}
	return kicked, changed
}

// IsReady reports whether the room is still in oldState and every
// non-empty, online slot reports playerState.
func (r *Room) IsReady(oldState, playerState uint8) bool {
	if r.State != oldState {
		return false
	}
	for i := range r.Players {
		p := &r.Players[i]
		if p.PlayerID != 0 && (p.PlayerState != playerState || p.Online == 0) {
			return false
		}
	}
	return true
}

// IsFinish reports whether every non-empty online player has finished
// the current song while playing.
func (r *Room) IsFinish() bool {
	if r.State != StatePlaying {
		return false
	}
	for i := range r.Players {
		p := &r.Players[i]
		if p.PlayerID != 0 && (p.FinishFlag == 0 || p.Online == 0) {
			return false
		}
	}
	return true
}

// MakeFinish closes out a song: snapshots scores to last-score, marks
// every tied-for-max-score slot as best-player, clears votes, and resets
// every player's current score.
func (r *Room) MakeFinish() {
	r.SetState(StateResult)
	r.LastSongIdx = r.SongIdx

	var maxScore uint32
	var maxIndexes []int

	for i := 0; i < 4; i++ {
		if r.Players[i].PlayerID == 0 {
			continue
		}

		r.Players[i].FinishFlag = 0
		r.Players[i].LastScore = r.Players[i].ScoreValue
		r.Players[i].LastScore.BestPlayerFlag = 0

		score := r.Players[i].LastScore.ScoreValue
		if score > maxScore {
			maxScore = score
			maxIndexes = maxIndexes[:0]
			maxIndexes = append(maxIndexes, i)
		} else if score == maxScore {
			maxIndexes = append(maxIndexes, i)
		}
	}

	for _, i := range maxIndexes {
		r.Players[i].LastScore.BestPlayerFlag = 1
	}

	r.VotingClear()
	for i := range r.Players {
		r.Players[i].ScoreValue.Clear()
	}
}

// IsAllPlayerVoted reports whether every non-empty slot has voted,
// which is only meaningful in state 2.
func (r *Room) IsAllPlayerVoted() bool {
	if r.State != StateReady {
		return false
	}
	for i := range r.Players {
		if r.Players[i].PlayerID != 0 && r.Players[i].Voting == 0x8000 {
			return false
		}
	}
	return true
}

// RandomSong picks a uniformly random chart index from the bits set in
// the room's song-unlock bitmap. If the bitmap is empty, song_idx is set
// to 0.
func (r *Room) RandomSong(unlockLen int, rnd randsrc.Source) {
	var list []uint16
	for i := 0; i < unlockLen; i++ {
		var b byte
		if i < len(r.SongUnlock) {
			b = r.SongUnlock[i]
		}
		for j := 0; j < 8; j++ {
			if b&(1<<uint(j)) != 0 {
				list = append(list, uint16(i*8+j))
			}
		}
	}

	if len(list) == 0 {
		r.SongIdx = 0
		return
	}
	r.SongIdx = list[rnd.GenRange(len(list))]
}

// MakeVoting resolves a round_mode=vote chart pick: among players who
// cast a real vote (not 0x8000/not-voted, not 0xFFFF/abstain), one is
// chosen uniformly at random and song_idx = chosen_vote * 5. If nobody
// voted, falls back to RandomSong.
func (r *Room) MakeVoting(unlockLen int, rnd randsrc.Source) {
	r.SetState(StateSongSelected)
	r.SelectedVoterPlayerID = 0

	var votes []uint16
	var voters []uint64

	for i := range r.Players {
		p := &r.Players[i]
		if p.PlayerID == 0 || p.Voting == 0xFFFF || p.Voting == 0x8000 {
			continue
		}
		votes = append(votes, p.Voting)
		voters = append(voters, p.PlayerID)
	}

	if len(votes) == 0 {
		r.RandomSong(unlockLen, rnd)
		return
	}

	idx := rnd.GenRange(len(votes))
	r.SongIdx = votes[idx] * 5
	r.SelectedVoterPlayerID = voters[idx]
}

// VotingClear resets every slot's vote to "not voted" and clears the
// selected voter.
func (r *Room) VotingClear() {
	r.SelectedVoterPlayerID = 0
	for i := range r.Players {
		r.Players[i].Voting = 0x8000
	}
}

// ShouldNextState evaluates the current state's configured countdown
// duration against now, arming next_state_timestamp on first entry and
// reporting true once the deadline has passed. Untimed rooms only time
// states 4..=6.
func (r *Room) ShouldNextState(now int64, cfg *config.Config) bool {
	if r.TimedMode == 0 && !(r.State >= StateSongReady && r.State <= StateSongStarting) {
		r.Countdown = NotCountingDown
		return false
	}

	if r.Countdown == NotCountingDown {
		switch {
		case r.IsPublic == 1 && r.State == StateLobby:
			r.NextStateTimestamp = now + cfg.CountdownMatchingUsec
		case r.State == StateReady:
			r.NextStateTimestamp = now + cfg.CountdownSelectSongUsec
		case r.State == StateSongSelected:
			r.NextStateTimestamp = now + cfg.CountdownSelectDifficultyUsec
		case r.State == StateSongReady:
			r.NextStateTimestamp = now + cfg.CountdownSongReadyUsec
		case r.State == StateSongLoading || r.State == StateSongStarting:
			r.NextStateTimestamp = now + cfg.CountdownSongStartUsec
		case r.State == StateResult:
			r.NextStateTimestamp = now + cfg.CountdownResultUsec
		default:
			return false
		}
	}

	diff := (r.NextStateTimestamp - now) / 1000
	if diff <= 0 {
		r.Countdown = 0
		return true
	}
	if diff > int64(^uint32(0)) {
		r.Countdown = ^uint32(0)
	} else {
		r.Countdown = uint32(diff)
	}
	return false
}
