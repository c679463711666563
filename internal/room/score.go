package room

import "github.com/arcaea-link/linkplayd/internal/codec"

// Score is a single attempt's scoring record. Score.Difficulty == 0xFF
// means unset (the empty-slot / not-yet-played sentinel).
type Score struct {
	Difficulty       uint8
	ScoreValue       uint32
	ClearType        uint8
	Timer            uint32
	BestScoreFlag    uint8
	BestPlayerFlag   uint8
	ShinyPerfectCount uint16
	PerfectCount     uint16
	NearCount        uint16
	MissCount        uint16
	EarlyCount       uint16
	LateCount        uint16
	Healthy          int32
}

// NewScore returns the sentinel "no attempt yet" score.
func NewScore() Score {
	return Score{Difficulty: 0xFF}
}

// Clear resets the score back to the sentinel value.
func (s *Score) Clear() {
	*s = NewScore()
}

// ScoreInfoBytes encodes the compact in-progress score record used by
// the 0x0E directed score-update command: the running value, clear type,
// and note counters, without the result-only best-flags.
func (s *Score) ScoreInfoBytes() []byte {
	out := make([]byte, 0, 17)
	out = codec.AppendLE(out, uint64(s.ScoreValue), 4)
	out = append(out, s.ClearType)
	out = codec.AppendLE(out, uint64(s.ShinyPerfectCount), 2)
	out = codec.AppendLE(out, uint64(s.PerfectCount), 2)
	out = codec.AppendLE(out, uint64(s.NearCount), 2)
	out = codec.AppendLE(out, uint64(s.MissCount), 2)
	out = codec.AppendLE(out, uint64(uint32(s.Healthy)), 4)
	return out
}
