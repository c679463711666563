// Package udp implements the data plane: one UDP socket carrying every
// player's encrypted, magic-prefixed command packets, dispatched against
// the shared Store under its writer lock.
package udp

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/arcaea-link/linkplayd/internal/clock"
	"github.com/arcaea-link/linkplayd/internal/codec"
	"github.com/arcaea-link/linkplayd/internal/command"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/store"
	"github.com/arcaea-link/linkplayd/internal/wire"
)

const tokenSize = 8

// maxPacketSize bounds a single inbound UDP datagram; larger reads are
// truncated by ReadFromUDP itself, this just sizes the buffer.
const maxPacketSize = 4096

// headerLen is the shared magic|cmd|version|room_id|client_no header
// every decrypted packet (inbound or outbound) carries; client_no sits
// at byte offset 12 (command.Parser reads the opcode itself at offset
// 2 and re-derives this layout independently, this copy is only for
// the client_no the UDP loop needs to hand DrainLocked).
const headerLen = 16
const clientNoOffset = 12

// limiterRate and limiterBurst bound each session's inbound command
// rate, grounded in the per-session flood guard spec.md §7 requires.
const (
	limiterRate  = 30 // commands/sec
	limiterBurst = 60
)

// Server runs the UDP receive loop.
type Server struct {
	Config *config.Config
	Store  *store.Store
	Clock  clock.Source
	Rand   randsrc.Source
	Parser command.Parser
	Log    zerolog.Logger

	limiters   map[uint64]*rate.Limiter
	limitersMu sync.Mutex
}

// Serve reads from conn until it errors (typically because Close was
// called from elsewhere during shutdown).
func (s *Server) Serve(conn *net.UDPConn) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go s.handlePacket(conn, addr, packet)
	}
}

func (s *Server) limiterFor(token uint64) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if s.limiters == nil {
		s.limiters = make(map[uint64]*rate.Limiter)
	}
	l, ok := s.limiters[token]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limiterRate), limiterBurst)
		s.limiters[token] = l
	}
	return l
}

func (s *Server) handlePacket(conn *net.UDPConn, addr *net.UDPAddr, packet []byte) {
	if len(packet) < tokenSize+codec.IVSize+codec.TagSize {
		return
	}

	token := codec.ReadU64LE(packet, 0)
	if !s.limiterFor(token).Allow() {
		s.Log.Debug().Uint64("token", token).Msg("dropping udp packet, rate limited")
		return
	}

	sess := s.Store.SessionByToken(token)
	if sess == nil {
		return
	}

	var iv [codec.IVSize]byte
	var tag [codec.TagSize]byte
	copy(iv[:], packet[tokenSize:tokenSize+codec.IVSize])
	copy(tag[:], packet[tokenSize+codec.IVSize:tokenSize+codec.IVSize+codec.TagSize])
	ciphertext := packet[tokenSize+codec.IVSize+codec.TagSize:]

	plaintext, err := codec.Decrypt(sess.Key, iv, tag, ciphertext)
	if err != nil {
		s.Log.Debug().Err(err).Msg("udp decrypt failed")
		return
	}
	if len(plaintext) < 3 || plaintext[0] != wire.Magic[0] || plaintext[1] != wire.Magic[1] {
		return
	}
	var clientNo int
	if len(plaintext) >= headerLen {
		clientNo = int(codec.ReadU32LE(plaintext, clientNoOffset))
	}

	now := s.Clock.NowMicro()

	s.Store.Lock()
	r := s.Store.RoomByIDLocked(sess.RoomID)
	var outbound [][]byte
	if r != nil {
		direct, _ := s.Parser.Dispatch(r, sess.PlayerIndex, now, plaintext, s.Config, s.Rand)
		outbound = s.Store.DrainLocked(r, sess, clientNo)
		outbound = append(outbound, direct...)
		if store.PlayerDeletedLocked(r, sess.PlayerIndex) {
			outbound = store.FilterToPlayerInfoLocked(outbound)
			s.Store.ClearPlayerSessionLocked(token)
		}
	}
	s.Store.Unlock()

	for _, cmd := range outbound {
		s.send(conn, addr, sess, cmd)
	}
}

// send seals and writes one outbound command back to addr under the
// session's own key, framed with the session's token in the clear the
// way the reference client correlates replies to connections.
func (s *Server) send(conn *net.UDPConn, addr *net.UDPAddr, sess *store.Session, payload []byte) {
	iv, tag, ciphertext, err := codec.Encrypt(sess.Key, payload)
	if err != nil {
		s.Log.Warn().Err(err).Msg("udp encrypt failed")
		return
	}

	out := make([]byte, 0, tokenSize+codec.IVSize+codec.TagSize+len(ciphertext))
	out = codec.AppendLE(out, sess.Token, tokenSize)
	out = append(out, iv[:]...)
	out = append(out, tag[:]...)
	out = append(out, ciphertext...)

	if _, err := conn.WriteToUDP(out, addr); err != nil {
		s.Log.Debug().Err(err).Msg("udp write failed")
	}
}

// DeliveryInterval is how often a caller should drain and flush a room's
// broadcast queue to every online session (spec.md §4.2's command
// interval), exposed for cmd/linkplayd's ticker.
func DeliveryInterval(cfg *config.Config) time.Duration {
	return time.Duration(cfg.CommandIntervalUsec) * time.Microsecond
}
