// Package tcpctl implements the encrypted TCP control plane: room
// creation, joining, selection, and matchmaking listing. A connection
// opens with a raw authentication prefix, then exchanges exactly one
// AES-128-GCM sealed JSON request/response pair before closing, the way
// the UDP data plane seals its own packets (internal/codec).
package tcpctl

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/command"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/linkerr"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/room"
	"github.com/arcaea-link/linkplayd/internal/store"
)

// Request is one decrypted control-plane call.
type Request struct {
	Endpoint string                 `json:"endpoint"`
	Data     map[string]interface{} `json:"data"`
}

// Response is the JSON body sealed back to the client.
type Response struct {
	Code int         `json:"code"`
	Data interface{} `json:"data,omitempty"`
}

func errResponse(err *linkerr.LinkplayError) Response {
	return Response{Code: err.Code}
}

// Server accepts control-plane connections and dispatches requests
// against a shared Store.
type Server struct {
	Config *config.Config
	Store  *store.Store
	Rand   randsrc.Source
	Log    zerolog.Logger
}

// Serve accepts connections on ln until it is closed or ctx-style
// cancellation closes ln from another goroutine (mirroring the teacher's
// accept-loop-plus-goroutine-per-connection pattern in cmd/gameserver).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn serves exactly one authenticated request/response exchange
// per connection, matching the reference implementation's
// handle_tcp_connection: a raw auth prefix, then one sealed frame in,
// one sealed frame out, then close.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := s.Log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	authBuf := make([]byte, len(s.Config.Authentication))
	if _, err := io.ReadFull(conn, authBuf); err != nil {
		if err != io.EOF {
			log.Debug().Err(err).Msg("control connection closed before auth")
		}
		return
	}
	if string(authBuf) != s.Config.Authentication {
		_, _ = conn.Write([]byte("No authentication"))
		log.Warn().Msg("TCP-No authentication")
		return
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		log.Debug().Err(err).Msg("control connection closed before length")
		return
	}
	cipherLen := binary.LittleEndian.Uint64(lenBuf[:])
	if int64(cipherLen) > s.Config.TCPMaxLength {
		_, _ = conn.Write([]byte("Body too long"))
		log.Warn().Msg("TCP-Body too long")
		return
	}

	var iv [codec.IVSize]byte
	var tag [codec.TagSize]byte
	ciphertext := make([]byte, cipherLen)
	if _, err := io.ReadFull(conn, iv[:]); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, tag[:]); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, ciphertext); err != nil {
		return
	}

	plaintext, err := codec.Decrypt(s.Config.TCPAESKey(), iv, tag, ciphertext)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decrypt TCP payload")
		return
	}

	var req Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		log.Warn().Err(err).Msg("invalid TCP JSON body")
		s.writeResponse(conn, &log, errResponse(linkerr.ErrBadRequest))
		return
	}

	resp := s.handle(&req)
	s.writeResponse(conn, &log, resp)
}

// writeResponse seals resp and writes it as an 8-byte-length-prefixed
// iv|tag|ciphertext frame, mirroring the request framing exactly.
func (s *Server) writeResponse(conn net.Conn, log *zerolog.Logger, resp Response) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal control response")
		return
	}

	iv, tag, ciphertext, err := codec.Encrypt(s.Config.TCPAESKey(), plaintext)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encrypt control response")
		return
	}

	out := make([]byte, 0, 8+codec.IVSize+codec.TagSize+len(ciphertext))
	out = codec.AppendLE(out, uint64(len(ciphertext)), 8)
	out = append(out, iv[:]...)
	out = append(out, tag[:]...)
	out = append(out, ciphertext...)

	if _, err := conn.Write(out); err != nil {
		log.Warn().Err(err).Msg("failed writing control response")
	}
}

func (s *Server) handle(req *Request) Response {
	switch req.Endpoint {
	case "debug":
		return Response{Code: 0, Data: map[string]interface{}{"hello_world": "ok"}}
	case "create_room":
		return s.createRoom(req)
	case "join_room":
		return s.joinRoom(req)
	case "update_room":
		return s.updateRoom(req)
	case "get_rooms":
		return s.getRooms(req)
	case "select_room":
		return s.selectRoom(req)
	case "get_match_rooms":
		return s.getMatchRooms(req)
	default:
		return errResponse(linkerr.ErrBadRequest)
	}
}

func dataString(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

func dataBool(data map[string]interface{}, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t == "1" || t == "true" || t == "True"
	}
	return false
}

func dataInt32(data map[string]interface{}, key string) int32 {
	v, ok := data[key].(float64)
	if !ok {
		return 0
	}
	return int32(v)
}

func dataUint64(data map[string]interface{}, key string) (uint64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return uint64(t), true
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func dataInt64Ptr(data map[string]interface{}, key string) *int64 {
	v, ok := data[key].(float64)
	if !ok {
		return nil
	}
	n := int64(v)
	return &n
}

func dataInt(data map[string]interface{}, key string, fallback int) int {
	v, ok := data[key].(float64)
	if !ok {
		return fallback
	}
	return int(v)
}

// decodeUnlock reads a base64-encoded song-unlock bitmap from data[key],
// zero-padded/truncated to unlockLen bytes; a missing or malformed field
// decodes as an all-zero bitmap, matching the reference decode_unlock.
func decodeUnlock(data map[string]interface{}, key string, unlockLen int) []byte {
	s, _ := data[key].(string)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw = nil
	}
	out := make([]byte, unlockLen)
	copy(out, raw)
	return out
}

func (s *Server) createRoom(req *Request) Response {
	name, ok := dataString(req.Data, "name")
	if !ok {
		return errResponse(linkerr.ErrBadRequest)
	}
	unlock := decodeUnlock(req.Data, "song_unlock", s.Config.UnlockLength)
	ratingPTT := dataInt32(req.Data, "rating_ptt")
	isHideRating := dataBool(req.Data, "is_hide_rating")
	matchTimes := dataInt64Ptr(req.Data, "match_times")

	r, sess := s.Store.CreateRoom(name, unlock, ratingPTT, isHideRating, matchTimes)
	return Response{Code: 0, Data: map[string]interface{}{
		"room_code": r.RoomCode,
		"room_id":   r.RoomID,
		"token":     sess.Token,
		"key":       base64.StdEncoding.EncodeToString(sess.Key[:]),
		"player_id": sess.PlayerID,
	}}
}

func (s *Server) joinRoom(req *Request) Response {
	code, ok := dataString(req.Data, "room_code")
	if !ok {
		return errResponse(linkerr.ErrBadRequest)
	}
	name, ok := dataString(req.Data, "name")
	if !ok {
		return errResponse(linkerr.ErrBadRequest)
	}
	unlock := decodeUnlock(req.Data, "song_unlock", s.Config.UnlockLength)
	ratingPTT := dataInt32(req.Data, "rating_ptt")
	isHideRating := dataBool(req.Data, "is_hide_rating")
	matchTimes := dataInt64Ptr(req.Data, "match_times")

	r, sess, err := s.Store.JoinRoom(code, name, unlock, ratingPTT, isHideRating, matchTimes)
	if err != nil {
		return errResponse(err)
	}
	return Response{Code: 0, Data: map[string]interface{}{
		"room_code":   r.RoomCode,
		"room_id":     r.RoomID,
		"token":       sess.Token,
		"key":         base64.StdEncoding.EncodeToString(sess.Key[:]),
		"player_id":   sess.PlayerID,
		"song_unlock": base64.StdEncoding.EncodeToString(r.SongUnlock),
	}}
}

// updateRoom lets an already-joined session update its player's
// rating_ptt/is_hide_rating (never name or character), broadcasting the
// change as a 0x12 player-info update, and returns the session's real
// UDP key, matching the reference update_room response shape.
func (s *Server) updateRoom(req *Request) Response {
	token, ok := dataUint64(req.Data, "token")
	if !ok {
		return errResponse(linkerr.ErrBadRequest)
	}
	ratingPTT := dataInt32(req.Data, "rating_ptt")
	isHideRating := dataBool(req.Data, "is_hide_rating")

	r, sess, err := s.Store.UpdateRoom(token, ratingPTT, isHideRating)
	if err != nil {
		return errResponse(err)
	}

	s.Store.Lock()
	sender := command.NewSender(s.Rand)
	sender.PlayerInfo(r, sess.PlayerIndex)
	s.Store.Unlock()

	return Response{Code: 0, Data: map[string]interface{}{
		"room_code":   r.RoomCode,
		"room_id":     r.RoomID,
		"key":         base64.StdEncoding.EncodeToString(sess.Key[:]),
		"player_id":   sess.PlayerID,
		"song_unlock": base64.StdEncoding.EncodeToString(r.SongUnlock),
	}}
}

func (s *Server) getRooms(req *Request) Response {
	offset := dataInt(req.Data, "offset", 0)
	limit := dataInt(req.Data, "limit", 100)

	rooms, cappedLimit, hasMore := s.Store.GetRoomsPage(offset, limit)
	out := make([]room.RoomDict, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ToRoomDict())
	}
	return Response{Code: 0, Data: map[string]interface{}{
		"amount":   len(out),
		"offset":   offset,
		"limit":    cappedLimit,
		"has_more": hasMore,
		"rooms":    out,
	}}
}

func (s *Server) selectRoom(req *Request) Response {
	code, _ := dataString(req.Data, "room_code")
	share, _ := dataString(req.Data, "share_token")

	r := s.Store.SelectRoom(code, share)
	if r == nil {
		return errResponse(linkerr.ErrGeneric)
	}
	return Response{Code: 0, Data: r.ToRoomSelectDict()}
}

func (s *Server) getMatchRooms(req *Request) Response {
	limit := dataInt(req.Data, "limit", 100)

	rooms := s.Store.GetMatchRooms(limit)
	out := make([]room.MatchRoomDict, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ToMatchRoomDict())
	}
	return Response{Code: 0, Data: map[string]interface{}{
		"amount": len(out),
		"rooms":  out,
	}}
}
