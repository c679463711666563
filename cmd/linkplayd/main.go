// Command linkplayd is the link play core daemon: it serves the
// encrypted TCP control plane and the encrypted UDP data plane described
// in spec.md, backed by one in-memory Store.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arcaea-link/linkplayd/internal/clock"
	"github.com/arcaea-link/linkplayd/internal/command"
	"github.com/arcaea-link/linkplayd/internal/config"
	"github.com/arcaea-link/linkplayd/internal/randsrc"
	"github.com/arcaea-link/linkplayd/internal/store"
	"github.com/arcaea-link/linkplayd/internal/tcpctl"
	"github.com/arcaea-link/linkplayd/internal/udp"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env")
	}

	cfg := config.FromEnv()
	st := store.New(cfg, clock.System{}, randsrc.CSPRNG{})

	if err := run(cfg, st); err != nil {
		log.Fatal().Err(err).Msg("linkplayd exited")
	}
}

func run(cfg *config.Config, st *store.Store) error {
	tcpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort)
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	defer ln.Close()

	udpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.UDPPort)
	udpListenAddr, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpListenAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	tcpSrv := &tcpctl.Server{Config: cfg, Store: st, Rand: randsrc.CSPRNG{}, Log: log.Logger.With().Str("plane", "tcp").Logger()}
	udpSrv := &udp.Server{
		Config: cfg,
		Store:  st,
		Clock:  clock.System{},
		Rand:   randsrc.CSPRNG{},
		Parser: command.Parser{},
		Log:    log.Logger.With().Str("plane", "udp").Logger(),
	}

	errCh := make(chan error, 3)
	go func() { errCh <- tcpSrv.Serve(ln) }()
	go func() { errCh <- udpSrv.Serve(conn) }()
	go runJanitor(cfg, st)

	log.Info().Str("tcp", tcpAddr).Str("udp", udpAddr).Msg("linkplayd listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	}
}

// runJanitor periodically sweeps the store for stale sessions/rooms,
// standing in for the teacher's cleanup/stats ticker in cmd/gameserver.
// Outbound delivery itself is reply-driven: every inbound UDP packet's
// dispatch drains and flushes that session's pending commands directly,
// matching the reference client's own poll-by-heartbeat model.
func runJanitor(cfg *config.Config, st *store.Store) {
	cleanupTicker := time.NewTicker(time.Duration(cfg.CleanupIntervalS) * time.Second)
	defer cleanupTicker.Stop()

	for range cleanupTicker.C {
		removed := st.Cleanup()
		if len(removed) > 0 {
			log.Debug().Int("count", len(removed)).Msg("cleaned up rooms")
		}
	}
}
