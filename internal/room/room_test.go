package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
)

func fourPlayerRoom(now int64) *Room {
	r := New(1, "000001", "sharetok", 8, now)
	for i := 0; i < 4; i++ {
		r.Players[i].PlayerID = uint64(i + 1)
		r.Players[i].Online = 1
		r.Players[i].LastTimestamp = now
	}
	r.HostID = 1
	return r
}

func TestNewRoomHasEmptySlotsAndDefaults(t *testing.T) {
	r := New(42, "123456", "abc", 8, 1000)
	assert.Equal(t, StateInitial, r.State)
	assert.Equal(t, NotCountingDown, r.Countdown)
	assert.Equal(t, NoSongSelected, r.SongIdx)
	assert.Equal(t, 0, r.PlayerNum())
	for _, b := range r.SongUnlock {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestIsEnterableRequiresLobbyReadyAndOpenSlot(t *testing.T) {
	r := fourPlayerRoom(0)
	r.SetState(StateReady)
	assert.False(t, r.IsEnterable(), "full room is never enterable")

	r.Players[3] = EmptyPlayer(3, 8)
	assert.True(t, r.IsEnterable())

	r.SetState(StateLobby)
	assert.False(t, r.IsEnterable(), "only state 2 is enterable")
}

func TestMakeRoundPromotesNextOccupiedSlot(t *testing.T) {
	r := fourPlayerRoom(0)
	r.Players[1] = EmptyPlayer(1, 8)
	r.MakeRound()
	assert.Equal(t, r.Players[2].PlayerID, r.HostID)
}

func TestDeletePlayerPromotesHostAndClearsSlot(t *testing.T) {
	r := fourPlayerRoom(0)
	cfg := config.Default()
	r.DeletePlayer(0, cfg)

	assert.Equal(t, uint64(0), r.Players[0].PlayerID)
	assert.NotEqual(t, uint64(1), r.HostID)
}

func TestUpdateSongUnlockIsBitwiseAndOfOccupiedSlots(t *testing.T) {
	r := fourPlayerRoom(0)
	r.Players[0].SongUnlock = []byte{0xFF}
	r.Players[1].SongUnlock = []byte{0x0F}
	r.Players[2] = EmptyPlayer(2, 1)
	r.Players[3] = EmptyPlayer(3, 1)

	r.UpdateSongUnlock(1)
	assert.Equal(t, []byte{0x0F}, r.SongUnlock)
}

func TestCheckPlayerOnlineMarksOfflineThenKicks(t *testing.T) {
	r := fourPlayerRoom(0)
	cfg := config.Default()

	kicked, changed := r.CheckPlayerOnline(cfg.PlayerPreTimeoutUsec, cfg)
	assert.False(t, kicked)
	require.NotEmpty(t, changed)
	assert.Equal(t, uint8(0), r.Players[0].Online)

	kicked, _ = r.CheckPlayerOnline(cfg.PlayerTimeoutUsec, cfg)
	assert.True(t, kicked)
	assert.Equal(t, uint64(0), r.Players[0].PlayerID)
}

func TestIsFinishRequiresEveryOnlinePlayerDone(t *testing.T) {
	r := fourPlayerRoom(0)
	r.SetState(StatePlaying)
	assert.False(t, r.IsFinish())

	for i := range r.Players {
		r.Players[i].FinishFlag = 1
	}
	assert.True(t, r.IsFinish())
}

func TestMakeFinishFlagsTiedBestPlayers(t *testing.T) {
	r := fourPlayerRoom(0)
	r.SetState(StatePlaying)
	r.Players[0].ScoreValue.ScoreValue = 9_000_000
	r.Players[1].ScoreValue.ScoreValue = 9_000_000
	r.Players[2].ScoreValue.ScoreValue = 8_000_000
	r.Players[3].ScoreValue.ScoreValue = 1_000

	r.MakeFinish()

	assert.Equal(t, StateResult, r.State)
	assert.Equal(t, uint8(1), r.Players[0].LastScore.BestPlayerFlag)
	assert.Equal(t, uint8(1), r.Players[1].LastScore.BestPlayerFlag)
	assert.Equal(t, uint8(0), r.Players[2].LastScore.BestPlayerFlag)
	assert.Equal(t, uint8(0xFF), r.Players[0].ScoreValue.Difficulty, "current score resets after finish")
}

func TestMakeVotingPicksAmongRealVotesOnly(t *testing.T) {
	r := fourPlayerRoom(0)
	r.VotingClear()
	r.Players[0].Voting = 3
	r.Players[1].Voting = 0xFFFF // abstain
	r.Players[2].Voting = 7
	r.Players[3].Voting = 0x8000 // not voted

	rnd := randsrc.NewFixed(nil, []int{1})
	r.MakeVoting(8, rnd)

	assert.Equal(t, uint16(7*5), r.SongIdx)
	assert.Equal(t, r.Players[2].PlayerID, r.SelectedVoterPlayerID)
}

func TestMakeVotingFallsBackToRandomSongWhenNobodyVoted(t *testing.T) {
	r := fourPlayerRoom(0)
	r.VotingClear()
	r.SongUnlock = []byte{0x01}

	rnd := randsrc.NewFixed(nil, []int{0})
	r.MakeVoting(1, rnd)

	assert.Equal(t, uint16(0), r.SongIdx)
	assert.Equal(t, uint64(0), r.SelectedVoterPlayerID)
}

func TestShouldNextStateArmsThenFires(t *testing.T) {
	r := fourPlayerRoom(0)
	r.TimedMode = 1
	r.SetState(StateReady)
	cfg := config.Default()

	assert.False(t, r.ShouldNextState(0, cfg))
	assert.Greater(t, r.Countdown, uint32(0))

	assert.True(t, r.ShouldNextState(cfg.CountdownSelectSongUsec+1, cfg))
}

func TestRoomInfoBytesLength(t *testing.T) {
	r := fourPlayerRoom(0)
	assert.Len(t, r.RoomInfoBytes(), 145)
}

func TestPlayerInfoBytesLength(t *testing.T) {
	p := EmptyPlayer(0, 8)
	assert.Len(t, p.InfoBytes(), 31)
}

func TestLastScoreInfoBytesAbsentForEmptySlot(t *testing.T) {
	p := EmptyPlayer(0, 8)
	info := p.LastScoreInfoBytes()
	require.Len(t, info, 25)
	assert.Equal(t, byte(0xFF), info[0])
	assert.Equal(t, byte(0xFF), info[1])
}
