package room

import "encoding/base64"

// The *Dict types mirror the control-plane JSON response bodies
// (spec.md §6, pinned against the Rust original's to_room_dict /
// to_match_room_dict). Field names are wire contract, not Go style.

// SongScoreDict is a player's full scoring detail (used for last_song).
type SongScoreDict struct {
	Difficulty   uint8  `json:"difficulty"`
	Score        uint32 `json:"score"`
	ClearType    uint8  `json:"cleartype"`
	ShinePerfect uint16 `json:"shine_perfect"`
	Perfect      uint16 `json:"perfect"`
	Near         uint16 `json:"near"`
	Miss         uint16 `json:"miss"`
	Early        uint16 `json:"early"`
	Late         uint16 `json:"late"`
}

// SongScoreSimpleDict is the compact in-progress scoring detail (used
// for the current song).
type SongScoreSimpleDict struct {
	Difficulty uint8  `json:"difficulty"`
	Score      uint32 `json:"score"`
	ClearType  uint8  `json:"cleartype"`
}

// RoomPlayerDict describes one occupied slot in a room-select response.
type RoomPlayerDict struct {
	PlayerID      uint64               `json:"multiplay_player_id"`
	Name          string               `json:"name"`
	IsOnline      bool                 `json:"is_online"`
	CharacterID   uint8                `json:"character_id"`
	IsUncapped    bool                 `json:"is_uncapped"`
	RatingPTT     int32                `json:"rating_ptt"`
	IsHideRating  bool                 `json:"is_hide_rating"`
	LastSong      *SongScoreDict       `json:"last_song,omitempty"`
	Song          *SongScoreSimpleDict `json:"song,omitempty"`
	PlayerState   uint8                `json:"player_state"`
	LastTimestamp int64                `json:"last_timestamp"`
	IsHost        bool                 `json:"is_host"`
}

// RoomDict is the full room-select response body.
type RoomDict struct {
	RoomID        uint64           `json:"room_id"`
	RoomCode      string           `json:"room_code"`
	ShareToken    string           `json:"share_token"`
	State         uint8            `json:"state"`
	SongIdx       uint16           `json:"song_idx"`
	LastSongIdx   uint16           `json:"last_song_idx"`
	HostID        uint64           `json:"host_id"`
	Players       []RoomPlayerDict `json:"players"`
	RoundMode     uint8            `json:"round_mode"`
	LastTimestamp int64            `json:"last_timestamp"`
	IsEnterable   bool             `json:"is_enterable"`
	IsMatchable   bool             `json:"is_matchable"`
	IsPlaying     bool             `json:"is_playing"`
	IsPublic      bool             `json:"is_public"`
	TimedMode     bool             `json:"timed_mode"`
}

// MatchPlayerDict is the abbreviated player view in a match-room listing.
type MatchPlayerDict struct {
	PlayerID  uint64 `json:"player_id"`
	Name      string `json:"name"`
	RatingPTT int32  `json:"rating_ptt"`
}

// MatchRoomDict is one entry in the GET /rooms matchmaking listing.
type MatchRoomDict struct {
	RoomID             uint64            `json:"room_id"`
	RoomCode           string            `json:"room_code"`
	ShareToken         string            `json:"share_token"`
	IsMatchable        bool              `json:"is_matchable"`
	NextStateTimestamp int64             `json:"next_state_timestamp"`
	SongUnlock         string            `json:"song_unlock"`
	Players            []MatchPlayerDict `json:"players"`
}

// RoomSelectDict is the flat summary handed back on room creation/join,
// distinct from the full RoomDict: just enough for a client to decide
// whether to render a join/watch affordance.
type RoomSelectDict struct {
	RoomID      uint64 `json:"room_id"`
	RoomCode    string `json:"room_code"`
	ShareToken  string `json:"share_token"`
	IsEnterable bool   `json:"is_enterable"`
	IsMatchable bool   `json:"is_matchable"`
	IsPlaying   bool   `json:"is_playing"`
	IsPublic    bool   `json:"is_public"`
	TimedMode   bool   `json:"timed_mode"`
}

// ToRoomSelectDict renders the flat create/join/select summary.
func (r *Room) ToRoomSelectDict() RoomSelectDict {
	return RoomSelectDict{
		RoomID:      r.RoomID,
		RoomCode:    r.RoomCode,
		ShareToken:  r.ShareToken,
		IsEnterable: r.IsEnterable(),
		IsMatchable: r.IsMatchable(),
		IsPlaying:   r.IsPlaying(),
		IsPublic:    r.IsPublic == 1,
		TimedMode:   r.TimedMode == 1,
	}
}

// ToRoomDict renders this room's full state for a room-select response.
// last_song_idx is forced to the "no song" sentinel while the room is
// playing, even if a value is cached from a prior round, matching the
// reference implementation's to_room_dict exactly.
func (r *Room) ToRoomDict() RoomDict {
	playing := r.IsPlaying()

	lastSongIdx := r.LastSongIdx
	if playing {
		lastSongIdx = NoSongSelected
	}

	d := RoomDict{
		RoomID:        r.RoomID,
		RoomCode:      r.RoomCode,
		ShareToken:    r.ShareToken,
		State:         r.State,
		SongIdx:       r.SongIdx,
		LastSongIdx:   lastSongIdx,
		HostID:        r.HostID,
		RoundMode:     r.RoundMode,
		LastTimestamp: r.Timestamp,
		IsEnterable:   r.IsEnterable(),
		IsMatchable:   r.IsMatchable(),
		IsPlaying:     playing,
		IsPublic:      r.IsPublic == 1,
		TimedMode:     r.TimedMode == 1,
	}

	for i := range r.Players {
		p := &r.Players[i]
		if p.PlayerID == 0 {
			continue
		}

		pd := RoomPlayerDict{
			PlayerID:      p.PlayerID,
			Name:          p.Name(),
			IsOnline:      p.Online == 1,
			CharacterID:   p.CharacterID,
			IsUncapped:    p.IsUncapped == 1,
			RatingPTT:     int32(p.RatingPTT),
			IsHideRating:  p.IsHideRating == 1,
			PlayerState:   p.PlayerState,
			LastTimestamp: p.LastTimestamp,
			IsHost:        p.PlayerID == r.HostID,
		}

		if p.LastScore.Difficulty != 0xFF {
			pd.LastSong = &SongScoreDict{
				Difficulty:   p.LastScore.Difficulty,
				Score:        p.LastScore.ScoreValue,
				ClearType:    p.LastScore.ClearType,
				ShinePerfect: p.LastScore.ShinyPerfectCount,
				Perfect:      p.LastScore.PerfectCount,
				Near:         p.LastScore.NearCount,
				Miss:         p.LastScore.MissCount,
				Early:        p.LastScore.EarlyCount,
				Late:         p.LastScore.LateCount,
			}
		}
		if playing && p.ScoreValue.Difficulty != 0xFF {
			pd.Song = &SongScoreSimpleDict{
				Difficulty: p.ScoreValue.Difficulty,
				Score:      p.ScoreValue.ScoreValue,
				ClearType:  p.ScoreValue.ClearType,
			}
		}

		d.Players = append(d.Players, pd)
	}

	return d
}

// ToMatchRoomDict renders this room's state for a GET /rooms
// matchmaking entry.
func (r *Room) ToMatchRoomDict() MatchRoomDict {
	d := MatchRoomDict{
		RoomID:             r.RoomID,
		RoomCode:           r.RoomCode,
		ShareToken:         r.ShareToken,
		IsMatchable:        r.IsMatchable(),
		NextStateTimestamp: r.NextStateTimestamp,
		SongUnlock:         base64.StdEncoding.EncodeToString(r.SongUnlock),
	}

	for i := range r.Players {
		p := &r.Players[i]
		if p.PlayerID == 0 {
			continue
		}
		d.Players = append(d.Players, MatchPlayerDict{
			PlayerID:  p.PlayerID,
			Name:      p.Name(),
			RatingPTT: int32(p.RatingPTT),
		})
	}

	return d
}
