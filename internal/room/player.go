package room

import (
	"bytes"

	"github.com/arcaea-link/linkplayd/internal/codec"
)

// emptyPlayerName is the fixed name a freshly constructed empty slot
// carries until a real player claims it.
var emptyPlayerName = []byte("EmptyPlayer")

// Player is one of a room's four slots. PlayerID == 0 means the slot is
// empty. Every field here round-trips through the wire encoders in
// InfoBytes/LastScoreInfoBytes, so field widths are load-bearing.
type Player struct {
	PlayerID    uint64
	PlayerName  [16]byte
	Token       uint64
	CharacterID uint8
	IsUncapped  uint8

	ScoreValue Score
	LastScore  Score

	FinishFlag      uint8
	PlayerState     uint8
	DownloadPercent uint8
	Online          uint8

	LastTimestamp      int64
	ExtraCommandQueue  [][]byte

	SongUnlock      []byte
	StartCommandNum uint32

	Voting      uint16
	PlayerIndex uint8
	Switch2     uint8

	// RatingPTT is stored as the wire's 2-byte unsigned field; the
	// control plane widens it to a signed int32 at the JSON boundary and
	// clamps negative inputs to 0 (reference implementation's
	// i32_to_u16), so the session's real rating can still be negative
	// upstream without corrupting what goes out over UDP.
	RatingPTT    uint16
	IsHideRating uint8
	IsStaff      uint8
}

// SetSongUnlock replaces the player's song-unlock bitmap with unlock,
// zero-padded or truncated to exactly n bytes.
func (p *Player) SetSongUnlock(unlock []byte, n int) {
	buf := make([]byte, n)
	copy(buf, unlock)
	p.SongUnlock = buf
}

// EmptyPlayer constructs a fresh empty slot at playerIndex with an
// all-zero song-unlock bitmap of unlockLen bytes.
func EmptyPlayer(playerIndex uint8, unlockLen int) Player {
	var name [16]byte
	copy(name[:], emptyPlayerName)

	return Player{
		PlayerID:    0,
		PlayerName:  name,
		CharacterID: 0xFF,
		ScoreValue:  NewScore(),
		LastScore:   NewScore(),
		PlayerState: 1,
		SongUnlock:  make([]byte, unlockLen),
		Voting:      0x8000,
		PlayerIndex: playerIndex,
	}
}

// Name returns the NUL-terminated player name as a string.
func (p *Player) Name() string {
	end := bytes.IndexByte(p.PlayerName[:], 0)
	if end < 0 {
		end = len(p.PlayerName)
	}
	return string(p.PlayerName[:end])
}

// SetName overwrites the player's name buffer, truncating to 16 bytes.
func (p *Player) SetName(name string) {
	p.PlayerName = [16]byte{}
	b := []byte(name)
	n := len(b)
	if n > 16 {
		n = 16
	}
	copy(p.PlayerName[:n], b[:n])
}

// InfoBytes encodes the 31-byte player-info record used by commands
// 0x0E/0x11/0x12/0x15.
func (p *Player) InfoBytes() []byte {
	out := make([]byte, 0, 31)
	out = codec.AppendLE(out, p.PlayerID, 8)
	out = append(out, p.CharacterID, p.IsUncapped, p.ScoreValue.Difficulty)
	out = codec.AppendLE(out, uint64(p.ScoreValue.ScoreValue), 4)
	out = codec.AppendLE(out, uint64(p.ScoreValue.Timer), 4)
	out = append(out, p.ScoreValue.ClearType, p.PlayerState, p.DownloadPercent, p.Online)
	out = codec.AppendLE(out, uint64(p.Voting), 2)
	out = append(out, p.PlayerIndex, p.Switch2)
	out = codec.AppendLE(out, uint64(p.RatingPTT), 2)
	out = append(out, p.IsHideRating, p.IsStaff)
	return out
}

// absentLastScoreInfo is the 25-byte sentinel for "no last score": 0xFF
// 0xFF followed by 23 zero bytes.
func absentLastScoreInfo() []byte {
	out := make([]byte, 25)
	out[0], out[1] = 0xFF, 0xFF
	return out
}

// LastScoreInfoBytes encodes the 25-byte last-score-info record embedded
// in room-info. Empty slots (PlayerID == 0) always encode as absent.
func (p *Player) LastScoreInfoBytes() []byte {
	if p.PlayerID == 0 {
		return absentLastScoreInfo()
	}

	out := make([]byte, 0, 25)
	out = append(out, p.CharacterID, p.LastScore.Difficulty)
	out = codec.AppendLE(out, uint64(p.LastScore.ScoreValue), 4)
	out = append(out, p.LastScore.ClearType, p.LastScore.BestScoreFlag, p.LastScore.BestPlayerFlag)
	out = codec.AppendLE(out, uint64(p.LastScore.ShinyPerfectCount), 2)
	out = codec.AppendLE(out, uint64(p.LastScore.PerfectCount), 2)
	out = codec.AppendLE(out, uint64(p.LastScore.NearCount), 2)
	out = codec.AppendLE(out, uint64(p.LastScore.MissCount), 2)
	out = codec.AppendLE(out, uint64(p.LastScore.EarlyCount), 2)
	out = codec.AppendLE(out, uint64(p.LastScore.LateCount), 2)
	out = codec.AppendLE(out, uint64(uint32(p.LastScore.Healthy)), 4)
	return out
}
