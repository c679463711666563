package udp

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcaea-link/linkplayd/internal/clock"
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/command"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/store"
	"github.com/arcaea-link/linkplayd/internal/wire"
)

// buildPacket seals cmd (an opcode byte plus any body) under key,
// framed as token|iv|tag|ciphertext, matching one inbound UDP datagram.
func buildPacket(t *testing.T, token uint64, key [16]byte, cmd []byte) []byte {
	t.Helper()
	plaintext := append([]byte{wire.Magic[0], wire.Magic[1]}, cmd...)
	iv, tag, ciphertext, err := codec.Encrypt(key, plaintext)
	require.NoError(t, err)

	out := codec.AppendLE(nil, token, 8)
	out = append(out, iv[:]...)
	out = append(out, tag[:]...)
	out = append(out, ciphertext...)
	return out
}

func TestHandlePacketDispatchesHeartbeatAndRepliesDirectly(t *testing.T) {
	cfg := config.Default()
	st := store.New(cfg, clock.NewFixed(1234), randsrc.NewFixed([]uint64{5, 6, 7}, nil))
	r, sess := st.CreateRoom("Alice", nil, 0, false, nil)
	require.NotNil(t, r)

	srv := &Server{
		Config: cfg,
		Store:  st,
		Clock:  clock.NewFixed(1234),
		Rand:   randsrc.NewFixed(nil, nil),
		Parser: command.Parser{},
		Log:    zerolog.Nop(),
	}

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer clientConn.Close()

	// client_no == 0: the first heartbeat report, opcode + version +
	// room_id + client_no header with an all-zero body.
	cmd := make([]byte, 1+1+1+8+4)
	cmd[0] = wire.CmdHeartbeat
	cmd[1] = wire.ProtocolVersion
	copy(cmd[2:10], codec.AppendLE(nil, r.RoomID, 8))

	packet := buildPacket(t, sess.Token, sess.Key, cmd)
	srv.handlePacket(serverConn, clientConn.LocalAddr().(*net.UDPAddr), packet)

	assert.Equal(t, int64(1234), r.Players[0].LastTimestamp)

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := clientConn.ReadFromUDP(buf)
	require.NoError(t, err, "server should have pushed the 0x15 snapshot reply back")
	assert.Greater(t, n, tokenSize+codec.IVSize+codec.TagSize)
}

func TestHandlePacketDropsUnknownSession(t *testing.T) {
	cfg := config.Default()
	st := store.New(cfg, clock.NewFixed(0), randsrc.NewFixed(nil, nil))
	srv := &Server{Config: cfg, Store: st, Clock: clock.NewFixed(0), Rand: randsrc.NewFixed(nil, nil), Log: zerolog.Nop()}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	var key [16]byte
	packet := buildPacket(t, 0xDEADBEEF, key, []byte{wire.CmdHeartbeat, wire.ProtocolVersion})
	assert.NotPanics(t, func() {
		srv.handlePacket(conn, conn.LocalAddr().(*net.UDPAddr), packet)
	})
}
