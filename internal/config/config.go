// Package config loads the link play daemon's configuration from
// environment variables, the way the teacher's config.DefaultServerConfig
// loads HOST/PORT, generalized to every LINKPLAY_* knob in spec.md §6.
package config

import (
	"os"
	"strconv"
)

// Config holds every tunable of the link play core. Field names mirror
// the LINKPLAY_* environment variables with the prefix stripped.
type Config struct {
	Host    string
	UDPPort int
	TCPPort int

	Authentication string
	TCPSecretKey   string
	TCPMaxLength   int64

	UnlockLength      int
	RoomTimeLimitUsec int64
	CleanupIntervalS  int64

	CommandIntervalUsec    int64
	PlayerPreTimeoutUsec   int64
	PlayerTimeoutUsec      int64

	CountdownSongReadyUsec       int64
	CountdownSongStartUsec       int64
	CountdownMatchingUsec        int64
	CountdownSelectSongUsec      int64
	CountdownSelectDifficultyUsec int64
	CountdownResultUsec          int64
}

// Default returns the configuration with spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		Host:    "0.0.0.0",
		UDPPort: 10900,
		TCPPort: 10901,

		Authentication: "my_link_play_server",
		TCPSecretKey:   "1145141919810",
		TCPMaxLength:   0x0FFFFFFF,

		UnlockLength:      1024,
		RoomTimeLimitUsec: 3_600_000_000,
		CleanupIntervalS:  15,

		CommandIntervalUsec:  1_000_000,
		PlayerPreTimeoutUsec: 3_000_000,
		PlayerTimeoutUsec:    15_000_000,

		CountdownSongReadyUsec:        4_000_000,
		CountdownSongStartUsec:        6_000_000,
		CountdownMatchingUsec:         15_000_000,
		CountdownSelectSongUsec:       45_000_000,
		CountdownSelectDifficultyUsec: 45_000_000,
		CountdownResultUsec:           60_000_000,
	}
}

// FromEnv loads configuration from LINKPLAY_* environment variables,
// falling back to Default() for anything unset or unparsable. Call
// godotenv.Load() before this if a .env file should be consulted.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("LINKPLAY_HOST"); v != "" {
		cfg.Host = v
	}
	cfg.UDPPort = envInt("LINKPLAY_UDP_PORT", cfg.UDPPort)
	cfg.TCPPort = envInt("LINKPLAY_TCP_PORT", cfg.TCPPort)

	if v := os.Getenv("LINKPLAY_AUTHENTICATION"); v != "" {
		cfg.Authentication = v
	}
	if v := os.Getenv("LINKPLAY_TCP_SECRET_KEY"); v != "" {
		cfg.TCPSecretKey = v
	}
	cfg.TCPMaxLength = envInt64("LINKPLAY_TCP_MAX_LENGTH", cfg.TCPMaxLength)

	cfg.UnlockLength = envInt("LINKPLAY_UNLOCK_LENGTH", cfg.UnlockLength)
	cfg.RoomTimeLimitUsec = envInt64("LINKPLAY_TIME_LIMIT_USEC", cfg.RoomTimeLimitUsec)
	cfg.CleanupIntervalS = envInt64("LINKPLAY_CLEANUP_INTERVAL_SEC", cfg.CleanupIntervalS)

	cfg.CommandIntervalUsec = envInt64("LINKPLAY_COMMAND_INTERVAL_USEC", cfg.CommandIntervalUsec)
	cfg.PlayerPreTimeoutUsec = envInt64("LINKPLAY_PLAYER_PRE_TIMEOUT_USEC", cfg.PlayerPreTimeoutUsec)
	cfg.PlayerTimeoutUsec = envInt64("LINKPLAY_PLAYER_TIMEOUT_USEC", cfg.PlayerTimeoutUsec)

	cfg.CountdownSongReadyUsec = envInt64("LINKPLAY_COUNTDOWN_SONG_READY_USEC", cfg.CountdownSongReadyUsec)
	cfg.CountdownSongStartUsec = envInt64("LINKPLAY_COUNTDOWN_SONG_START_USEC", cfg.CountdownSongStartUsec)
	cfg.CountdownMatchingUsec = envInt64("LINKPLAY_COUNTDOWN_MATCHING_USEC", cfg.CountdownMatchingUsec)
	cfg.CountdownSelectSongUsec = envInt64("LINKPLAY_COUNTDOWN_SELECT_SONG_USEC", cfg.CountdownSelectSongUsec)
	cfg.CountdownSelectDifficultyUsec = envInt64("LINKPLAY_COUNTDOWN_SELECT_DIFFICULTY_USEC", cfg.CountdownSelectDifficultyUsec)
	cfg.CountdownResultUsec = envInt64("LINKPLAY_COUNTDOWN_RESULT_USEC", cfg.CountdownResultUsec)

	return cfg
}

// TCPAESKey returns the raw UTF-8 bytes of TCPSecretKey, right-padded
// with zeros or truncated to exactly 16 bytes.
func (c *Config) TCPAESKey() [16]byte {
	var key [16]byte
	b := []byte(c.TCPSecretKey)
	n := len(b)
	if n > 16 {
		n = 16
	}
	copy(key[:n], b[:n])
	return key
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return fallback
	}
	return int(n)
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return fallback
	}
	return n
}
