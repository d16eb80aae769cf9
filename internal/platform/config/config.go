package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool accepts the strconv.ParseBool spellings.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts time.ParseDuration strings ("4s", "250ms") or a bare
// integer, read as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

// Settings is the typed runtime configuration of the segmenter.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	SegmentTimeLimit  time.Duration
	MaxSegments       int
	SegmentStorage    string
	SegmentDir        string
	ReaderLockTimeout time.Duration
	IdleGrace         time.Duration

	VideoCodec       string
	AudioCodec       string
	OutputSampleRate int
	OutputChannels   int

	MinReadySegments   int
	MixerInsertSilence bool
}

// LoadSettings reads Settings from the environment, applying defaults.
func LoadSettings() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		SegmentTimeLimit:  GetEnvDuration("SEGMENT_TIME_LIMIT", 4*time.Second),
		MaxSegments:       GetEnvInt("MAX_SEGMENTS", 4),
		SegmentStorage:    GetEnv("SEGMENT_STORAGE", "memory"),
		SegmentDir:        GetEnv("SEGMENT_DIR", os.TempDir()),
		ReaderLockTimeout: GetEnvDuration("READER_LOCK_TIMEOUT", time.Second),
		IdleGrace:         GetEnvDuration("IDLE_GRACE", 2*time.Minute),

		VideoCodec:       GetEnv("VIDEO_CODEC", "h264"),
		AudioCodec:       GetEnv("AUDIO_CODEC", "lpcm"),
		OutputSampleRate: GetEnvInt("OUTPUT_SAMPLE_RATE", 44100),
		OutputChannels:   GetEnvInt("OUTPUT_CHANNELS", 2),

		MinReadySegments:   GetEnvInt("MIN_READY_SEGMENTS", 2),
		MixerInsertSilence: GetEnvBool("MIXER_INSERT_SILENCE", true),
	}
}
