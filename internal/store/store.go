// Package store holds every live room and session behind one writer
// lock, the way the teacher's matchmaker package indexes rooms by code
// but generalized to the four cross-indices (id, room code, share token,
// session token) the link play control plane needs.
package store

import (
	"sort"
	"sync"

	"github.com/arcaea-link/linkplayd/internal/clock"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/linkerr"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/room"
)

// linkplayError is a local alias so store's exported signatures don't
// force every caller to import linkerr just to spell the type.
type linkplayError = linkerr.LinkplayError

var (
	errGeneric    = linkerr.ErrGeneric
	errRoomFull   = linkerr.ErrRoomFull
	errNoSuchRoom = linkerr.ErrNoSuchRoom
	errWrongState = linkerr.ErrWrongState
)

// Session binds an authenticated TCP/UDP token to a room and slot. Key is
// a random per-session AES-128 key generated at create_room/join_room
// time and handed to the client over the control plane; it is never
// derived from the token, which travels in the clear as the UDP frame
// prefix.
type Session struct {
	Token       uint64
	Key         [16]byte
	RoomID      uint64
	PlayerID    uint64
	PlayerIndex int

	// DeliveredIndex is how far into the room's broadcast queue this
	// session has already been sent; Store.DrainLocked advances it.
	DeliveredIndex int
}

// Store is the single in-memory source of truth for every room and
// session. All mutation happens under mu; readers needing a consistent
// multi-field view must also take mu (there is no separate read lock,
// mirroring the teacher's matchmaker which favors one coarse lock over
// fine-grained per-room locks given the low contention of a UDP command
// loop).
type Store struct {
	mu sync.Mutex

	clock clock.Source
	rnd   randsrc.Source
	cfg   *config.Config

	rooms         map[uint64]*room.Room
	byCode        map[string]uint64
	byShare       map[string]uint64
	sessions      map[uint64]*Session
	usedPlayerIDs map[uint64]struct{}
}

// New builds an empty Store. clk and rnd are injected so tests can drive
// timestamps and id/token generation deterministically.
func New(cfg *config.Config, clk clock.Source, rnd randsrc.Source) *Store {
	return &Store{
		clock:         clk,
		rnd:           rnd,
		cfg:           cfg,
		rooms:         make(map[uint64]*room.Room),
		byCode:        make(map[string]uint64),
		byShare:       make(map[string]uint64),
		sessions:      make(map[uint64]*Session),
		usedPlayerIDs: make(map[uint64]struct{}),
	}
}

// Lock exposes the writer mutex directly for callers (the UDP and TCP
// loops) that must hold it across a decode-mutate-encode sequence rather
// than a single Store method call.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// generateRoomID returns a uint64 not already in use as a room id.
func (s *Store) generateRoomID() uint64 {
	for {
		id := s.rnd.NextU64()
		if id == 0 {
			continue
		}
		if _, ok := s.rooms[id]; !ok {
			return id
		}
	}
}

// generatePlayerID returns a unique id in [1, 0xFFFFFF] (spec.md §6),
// matching the reference generator's inclusive 24-bit range.
func (s *Store) generatePlayerID() uint64 {
	for {
		id := uint64(s.rnd.GenRange(0xFFFFFF)) + 1
		if _, ok := s.usedPlayerIDs[id]; !ok {
			s.usedPlayerIDs[id] = struct{}{}
			return id
		}
	}
}

// generateToken returns a fresh, unused 64-bit session token.
func (s *Store) generateToken() uint64 {
	for {
		tok := s.rnd.NextU64()
		if tok == 0 {
			continue
		}
		if _, ok := s.sessions[tok]; !ok {
			return tok
		}
	}
}

// generateSessionKey returns a fresh random 16-byte AES key for a
// session's UDP data plane, independent of its token.
func (s *Store) generateSessionKey() [16]byte {
	var key [16]byte
	s.rnd.FillBytes(key[:])
	return key
}

// generateHostToken returns the room's host-authority token, trying the
// room id itself first and only falling back to a fresh random token if
// that id already collides with an existing session token (matching the
// reference implementation's generate_host_token).
func (s *Store) generateHostToken(roomID uint64) uint64 {
	if roomID != 0 {
		if _, ok := s.sessions[roomID]; !ok {
			return roomID
		}
	}
	for {
		tok := s.rnd.NextU64()
		if tok != 0 {
			if _, ok := s.sessions[tok]; !ok {
				return tok
			}
		}
	}
}

const roomCodeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
const roomCodeDigits = "0123456789"
const shareTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateRoomCode returns a fresh unused room code: 4 uppercase letters
// followed by 2 digits, matching the reference generator exactly.
func (s *Store) generateRoomCode() string {
	for {
		buf := make([]byte, 6)
		for i := 0; i < 4; i++ {
			buf[i] = roomCodeLetters[s.rnd.GenRange(len(roomCodeLetters))]
		}
		for i := 4; i < 6; i++ {
			buf[i] = roomCodeDigits[s.rnd.GenRange(len(roomCodeDigits))]
		}
		code := string(buf)
		if _, ok := s.byCode[code]; !ok {
			return code
		}
	}
}

// generateShareToken returns a fresh unused 10-character lowercase
// alphanumeric share token, matching the reference generator exactly.
func (s *Store) generateShareToken() string {
	for {
		buf := make([]byte, 10)
		for i := range buf {
			buf[i] = shareTokenAlphabet[s.rnd.GenRange(len(shareTokenAlphabet))]
		}
		token := string(buf)
		if _, ok := s.byShare[token]; !ok {
			return token
		}
	}
}

// touch stamps a room's activity timestamp one microsecond past now, the
// invariant every mutating command handler observes before emitting
// outbound commands (spec.md §3).
func touch(r *room.Room, now int64) {
	r.Timestamp = now + 1
}

// CreateRoom allocates a new room and a session for its creating player,
// who becomes the host and occupies slot 0. If matchTimes is non-nil the
// room is created public, vote-mode, and timed, matching the reference
// create_room's match_times handling.
func (s *Store) CreateRoom(name string, songUnlock []byte, ratingPTT int32, isHideRating bool, matchTimes *int64) (r *room.Room, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowMicro()
	id := s.generateRoomID()
	code := s.generateRoomCode()
	share := s.generateShareToken()

	r = room.New(id, code, share, s.cfg.UnlockLength, now)

	playerID := s.generatePlayerID()
	r.Players[0].PlayerID = playerID
	r.Players[0].SetName(name)
	r.Players[0].SetSongUnlock(songUnlock, s.cfg.UnlockLength)
	r.Players[0].RatingPTT = i32ToU16(ratingPTT)
	r.Players[0].IsHideRating = boolToU8(isHideRating)
	r.Players[0].LastTimestamp = now
	r.Players[0].Online = 1
	r.HostID = playerID
	r.SetState(room.StateLobby)
	r.UpdateSongUnlock(s.cfg.UnlockLength)

	if matchTimes != nil {
		r.IsPublic = 1
		r.RoundMode = room.RoundVote
		r.TimedMode = 1
	}

	token := s.generateHostToken(id)
	key := s.generateSessionKey()
	sess = &Session{
		Token:       token,
		Key:         key,
		RoomID:      id,
		PlayerID:    playerID,
		PlayerIndex: 0,
	}

	s.rooms[id] = r
	s.byCode[code] = id
	s.byShare[share] = id
	s.sessions[token] = sess

	return r, sess
}

// JoinRoom places a new player into the first empty slot of the room
// named by roomCode (case-insensitive), returning an error matching the
// reference join_room's exact validation order: unknown code -> 1202,
// full room -> 1201, empty room -> 1202, state/public-without-match_times
// disallowed -> 1205.
func (s *Store) JoinRoom(roomCode, name string, songUnlock []byte, ratingPTT int32, isHideRating bool, matchTimes *int64) (r *room.Room, sess *Session, err *linkplayError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, found := s.byCode[normalizeRoomCode(roomCode)]
	if !found {
		return nil, nil, errNoSuchRoom
	}
	r, found = s.rooms[id]
	if !found {
		return nil, nil, errNoSuchRoom
	}

	n := r.PlayerNum()
	switch {
	case n == 4:
		return nil, nil, errRoomFull
	case n == 0:
		return nil, nil, errNoSuchRoom
	case !(r.State <= room.StateReady) || (r.IsPublic == 1 && matchTimes == nil):
		return nil, nil, errWrongState
	}

	slot := -1
	for i := range r.Players {
		if r.Players[i].PlayerID == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, nil, errRoomFull
	}

	now := s.clock.NowMicro()
	playerID := s.generatePlayerID()
	r.Players[slot] = room.EmptyPlayer(uint8(slot), s.cfg.UnlockLength)
	r.Players[slot].PlayerID = playerID
	r.Players[slot].SetName(name)
	r.Players[slot].SetSongUnlock(songUnlock, s.cfg.UnlockLength)
	r.Players[slot].RatingPTT = i32ToU16(ratingPTT)
	r.Players[slot].IsHideRating = boolToU8(isHideRating)
	r.Players[slot].LastTimestamp = now
	r.Players[slot].Online = 1
	r.UpdateSongUnlock(s.cfg.UnlockLength)
	touch(r, now)

	token := s.generateToken()
	key := s.generateSessionKey()
	sess = &Session{Token: token, Key: key, RoomID: id, PlayerID: playerID, PlayerIndex: slot}
	s.sessions[token] = sess

	return r, sess, nil
}

// UpdateRoom revalidates that token's session still owns its slot, then
// updates that player's rating/hide-rating fields, broadcasting the
// change. Matches the reference update_room: it never touches name or
// character, only rating_ptt/is_hide_rating.
func (s *Store) UpdateRoom(token uint64, ratingPTT int32, isHideRating bool) (r *room.Room, sess *Session, err *linkplayError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, nil, errGeneric
	}
	r, ok = s.rooms[sess.RoomID]
	if !ok {
		return nil, nil, errGeneric
	}
	if sess.PlayerIndex < 0 || sess.PlayerIndex >= 4 || r.Players[sess.PlayerIndex].PlayerID != sess.PlayerID {
		return nil, nil, errGeneric
	}

	p := &r.Players[sess.PlayerIndex]
	p.RatingPTT = i32ToU16(ratingPTT)
	p.IsHideRating = boolToU8(isHideRating)
	touch(r, s.clock.NowMicro())

	return r, sess, nil
}

// SelectRoom resolves a room by room code if one is given, else by share
// token, matching the reference select_room's two-explicit-param shape.
func (s *Store) SelectRoom(roomCode, shareToken string) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomCode != "" {
		if id, ok := s.byCode[normalizeRoomCode(roomCode)]; ok {
			return s.rooms[id]
		}
		return nil
	}
	if shareToken != "" {
		if id, ok := s.byShare[shareToken]; ok {
			return s.rooms[id]
		}
	}
	return nil
}

// GetRoomsPage returns every non-empty room in ascending room-id order,
// skipping offset of them before collecting up to limit (capped at 100).
// hasMore is true only once a room past the returned page was actually
// observed, matching the reference implementation's pagination
// accounting rather than a naive "total count > limit" check.
func (s *Store) GetRoomsPage(offset, limit int) (rooms []*room.Room, cappedLimit int, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 0 || limit > 100 {
		limit = 100
	}
	cappedLimit = limit

	ids := s.sortedRoomIDs()

	skipped := 0
	for _, id := range ids {
		r := s.rooms[id]
		if r.PlayerNum() == 0 {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(rooms) >= limit {
			hasMore = true
			break
		}
		rooms = append(rooms, r)
	}
	return rooms, cappedLimit, hasMore
}

// GetMatchRooms returns every matchable room (public, 1..3 players,
// lobby state) in ascending room-id order, capped at min(limit, 100).
func (s *Store) GetMatchRooms(limit int) []*room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 0 || limit > 100 {
		limit = 100
	}

	var rooms []*room.Room
	for _, id := range s.sortedRoomIDs() {
		r := s.rooms[id]
		if !r.IsMatchable() {
			continue
		}
		if len(rooms) >= limit {
			break
		}
		rooms = append(rooms, r)
	}
	return rooms
}

func (s *Store) sortedRoomIDs() []uint64 {
	ids := make([]uint64, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionByToken resolves a session by its token.
func (s *Store) SessionByToken(token uint64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[token]
}

// RoomByID resolves a room directly by id, for callers that already
// hold a session.
func (s *Store) RoomByID(id uint64) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[id]
}

// RoomByIDLocked resolves a room by id without acquiring mu; callers
// must already hold it via Lock/Unlock (the UDP loop wraps a full
// decode-dispatch-drain sequence in one critical section).
func (s *Store) RoomByIDLocked(id uint64) *room.Room {
	return s.rooms[id]
}

// const13 is the room-info snapshot opcode; get_commands only ever
// delivers one per batch (the 3rd byte of the wire header, right after
// the 2-byte magic).
const opcodeByteIndex = 2
const opcodeRoomInfo = 0x13

// DrainLocked returns the outbound commands sess should receive right
// now: the slice of the room's broadcast queue starting at
// max(clientReportedIndex, player.StartCommandNum), truncated just
// before a *second* room-info (0x13) snapshot so at most one full
// snapshot is delivered per batch, followed by the player's entire extra
// queue (trimmed to its last 12 entries by the sender). Callers must
// already hold mu.
func (s *Store) DrainLocked(r *room.Room, sess *Session, clientReportedIndex int) [][]byte {
	start := sess.DeliveredIndex
	if clientReportedIndex > start {
		start = clientReportedIndex
	}
	p := &r.Players[sess.PlayerIndex]
	if start < int(p.StartCommandNum) {
		start = int(p.StartCommandNum)
	}
	if start < 0 {
		start = 0
	}
	if start > len(r.CommandQueue) {
		start = len(r.CommandQueue)
	}

	var out [][]byte
	roomInfoSeen := 0
	for _, cmd := range r.CommandQueue[start:] {
		if len(cmd) > opcodeByteIndex && cmd[opcodeByteIndex] == opcodeRoomInfo {
			roomInfoSeen++
			if roomInfoSeen > 1 {
				break
			}
		}
		out = append(out, cmd)
	}
	sess.DeliveredIndex = len(r.CommandQueue)

	out = append(out, p.ExtraCommandQueue...)
	p.ExtraCommandQueue = nil
	return out
}

// FilterToPlayerInfoLocked keeps only 0x12 (player-info) entries of cmds,
// the rule the UDP loop applies when the dispatching player's own slot
// was just emptied during this very dispatch.
func FilterToPlayerInfoLocked(cmds [][]byte) [][]byte {
	var out [][]byte
	for _, cmd := range cmds {
		if len(cmd) > opcodeByteIndex && cmd[opcodeByteIndex] == 0x12 {
			out = append(out, cmd)
		}
	}
	return out
}

// PlayerDeletedLocked reports whether playerIndex's slot is now empty,
// for the UDP loop's post-dispatch delete check. Callers must already
// hold mu.
func PlayerDeletedLocked(r *room.Room, playerIndex int) bool {
	return r.Players[playerIndex].PlayerID == 0
}

// ClearPlayerSession removes a session and, if the owning room still
// exists and the session still owns its slot, deletes the associated
// player slot and returns its id to the free pool. If the room becomes
// empty, it is removed too.
func (s *Store) ClearPlayerSession(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPlayerSessionLocked(token)
}

// ClearPlayerSessionLocked is ClearPlayerSession for callers (the UDP
// loop) that already hold mu across a decode-dispatch-drain sequence.
func (s *Store) ClearPlayerSessionLocked(token uint64) {
	s.clearPlayerSessionLocked(token)
}

func (s *Store) clearPlayerSessionLocked(token uint64) {
	sess, ok := s.sessions[token]
	if !ok {
		return
	}
	delete(s.sessions, token)

	if r, ok := s.rooms[sess.RoomID]; ok {
		if sess.PlayerIndex >= 0 && sess.PlayerIndex < 4 && r.Players[sess.PlayerIndex].PlayerID == sess.PlayerID {
			r.DeletePlayer(sess.PlayerIndex, s.cfg)
		}
		if r.PlayerNum() == 0 {
			s.removeRoomLocked(r.RoomID)
		}
	}

	delete(s.usedPlayerIDs, sess.PlayerID)
}

// removeRoomLocked deletes a room, its code/share-token index entries,
// frees its players' ids, and drops every session still pointing at it.
// Callers must already hold mu.
func (s *Store) removeRoomLocked(id uint64) {
	r, ok := s.rooms[id]
	if !ok {
		return
	}
	for i := range r.Players {
		if r.Players[i].PlayerID != 0 {
			delete(s.usedPlayerIDs, r.Players[i].PlayerID)
		}
	}
	delete(s.byCode, r.RoomCode)
	delete(s.byShare, r.ShareToken)
	delete(s.rooms, id)

	for token, sess := range s.sessions {
		if sess.RoomID == id {
			delete(s.sessions, token)
		}
	}
}

// RemoveRoom deletes a room outright, used by Cleanup and by explicit
// host-initiated room teardown.
func (s *Store) RemoveRoom(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRoomLocked(id)
}

// Cleanup is the janitor sweep: it evicts rooms whose activity timestamp
// has exceeded RoomTimeLimitUsec, and clears sessions whose slot has gone
// empty or whose last_timestamp has exceeded RoomTimeLimitUsec. All
// quorum/timed state-machine progress happens inside command 0x09's
// handler, not here (spec.md §4.3/§4.6). It returns the room ids removed,
// for logging.
func (s *Store) Cleanup() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowMicro()

	var staleRooms []uint64
	for id, r := range s.rooms {
		if now-r.Timestamp >= s.cfg.RoomTimeLimitUsec {
			staleRooms = append(staleRooms, id)
		}
	}
	for _, id := range staleRooms {
		s.removeRoomLocked(id)
	}

	var staleSessions []uint64
	for token, sess := range s.sessions {
		r, ok := s.rooms[sess.RoomID]
		if !ok {
			staleSessions = append(staleSessions, token)
			continue
		}
		if sess.PlayerIndex < 0 || sess.PlayerIndex >= 4 {
			staleSessions = append(staleSessions, token)
			continue
		}
		p := &r.Players[sess.PlayerIndex]
		if p.PlayerID == 0 || (p.LastTimestamp != 0 && now-p.LastTimestamp >= s.cfg.RoomTimeLimitUsec) {
			staleSessions = append(staleSessions, token)
		}
	}
	for _, token := range staleSessions {
		s.clearPlayerSessionLocked(token)
	}

	return staleRooms
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// i32ToU16 matches the reference implementation's i32_to_u16: negative
// ratings clamp to 0, anything above uint16's range clamps to its max.
func i32ToU16(v int32) uint16 {
	if v <= 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

func normalizeRoomCode(code string) string {
	out := make([]byte, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
