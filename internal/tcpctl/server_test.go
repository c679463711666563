package tcpctl

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcaea-link/linkplayd/internal/clock"
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/linkerr"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/store"
)

// sendRaw writes auth (however malformed) followed by the 8-byte-LE
// length-prefixed iv|tag|ciphertext frame, then reads the response frame
// back in the same shape. Passing the wrong auth string exercises the
// plaintext "No authentication" rejection path.
func sendRaw(t *testing.T, conn net.Conn, auth string, key [16]byte, req *Request) (Response, bool) {
	t.Helper()

	_, err := conn.Write([]byte(auth))
	require.NoError(t, err)

	if req != nil {
		plaintext, err := json.Marshal(req)
		require.NoError(t, err)
		iv, tag, ciphertext, err := codec.Encrypt(key, plaintext)
		require.NoError(t, err)

		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(ciphertext)))
		_, err = conn.Write(lenBuf[:])
		require.NoError(t, err)
		_, err = conn.Write(iv[:])
		require.NoError(t, err)
		_, err = conn.Write(tag[:])
		require.NoError(t, err)
		_, err = conn.Write(ciphertext)
		require.NoError(t, err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return Response{}, false
	}
	text := string(buf[:n])
	if text == "No authentication" || text == "Body too long" {
		return Response{}, false
	}

	// Otherwise buf holds (a prefix of) the sealed response frame.
	respLen := binary.LittleEndian.Uint64(buf[:8])
	full := make([]byte, 8+codec.IVSize+codec.TagSize+int(respLen))
	copy(full, buf[:n])
	if n < len(full) {
		_, err = io.ReadFull(conn, full[n:])
		require.NoError(t, err)
	}

	var iv [codec.IVSize]byte
	var tag [codec.TagSize]byte
	copy(iv[:], full[8:8+codec.IVSize])
	copy(tag[:], full[8+codec.IVSize:8+codec.IVSize+codec.TagSize])
	ciphertext := full[8+codec.IVSize+codec.TagSize:]

	plaintext, err := codec.Decrypt(key, iv, tag, ciphertext)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(plaintext, &resp))
	return resp, true
}

func TestServerRejectsBadAuthentication(t *testing.T) {
	cfg := config.Default()
	st := store.New(cfg, clock.NewFixed(0), randsrc.NewFixed(nil, nil))
	srv := &Server{Config: cfg, Store: st, Rand: randsrc.NewFixed(nil, nil), Log: zerolog.Nop()}

	client, server := net.Pipe()
	defer client.Close()
	go srv.handleConn(server)

	_, ok := sendRaw(t, client, "wrong", cfg.TCPAESKey(), &Request{Endpoint: "debug"})
	assert.False(t, ok, "bad auth gets a plaintext rejection, not a sealed response")
}

func TestServerCreateRoomThenGetRooms(t *testing.T) {
	cfg := config.Default()
	st := store.New(cfg, clock.NewFixed(0), randsrc.NewFixed([]uint64{1, 2, 3}, []int{100}))
	srv := &Server{Config: cfg, Store: st, Rand: randsrc.NewFixed(nil, nil), Log: zerolog.Nop()}
	key := cfg.TCPAESKey()

	client1, server1 := net.Pipe()
	go srv.handleConn(server1)
	createResp, ok := sendRaw(t, client1, cfg.Authentication, key, &Request{
		Endpoint: "create_room",
		Data: map[string]interface{}{
			"name":       "Alice",
			"song_unlock": base64.StdEncoding.EncodeToString([]byte{0xFF}),
		},
	})
	client1.Close()
	require.True(t, ok)
	assert.Equal(t, 0, createResp.Code)

	data, ok := createResp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["room_code"])
	assert.NotEmpty(t, data["token"])

	client2, server2 := net.Pipe()
	go srv.handleConn(server2)
	listResp, ok := sendRaw(t, client2, cfg.Authentication, key, &Request{
		Endpoint: "get_rooms",
		Data:     map[string]interface{}{"offset": float64(0), "limit": float64(10)},
	})
	client2.Close()
	require.True(t, ok)
	assert.Equal(t, 0, listResp.Code)
}

func TestServerUnknownEndpointReturnsBadRequest(t *testing.T) {
	cfg := config.Default()
	st := store.New(cfg, clock.NewFixed(0), randsrc.NewFixed(nil, nil))
	srv := &Server{Config: cfg, Store: st, Rand: randsrc.NewFixed(nil, nil), Log: zerolog.Nop()}
	key := cfg.TCPAESKey()

	client, server := net.Pipe()
	defer client.Close()
	go srv.handleConn(server)

	resp, ok := sendRaw(t, client, cfg.Authentication, key, &Request{Endpoint: "not_a_real_endpoint"})
	require.True(t, ok)
	assert.Equal(t, linkerr.ErrBadRequest.Code, resp.Code)
	assert.Nil(t, resp.Data)
}
