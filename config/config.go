package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads env files into the process environment. Variables that are
// already set win. With no paths ".env" is used; a missing file is reported
// and callers may ignore it.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of key, or fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if it is unset,
// empty or not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts Go durations ("90s", "2m") and plain integers, which
// are read as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Settings are the tunables of the engine and the binary around it.
type Settings struct {
	ScratchRoot string
	MediaRoot   string
	FfmpegPath  string
	YtDlpPath   string
	QualityCap  int

	DownloadWorkers    int
	DownloadAttempts   int
	DownloadRetryDelay time.Duration
	DownloadTimeout    time.Duration
	DownloadRate       float64

	LoopMultiplier    int
	RestartCeiling    int
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
	StableRunDuration time.Duration
	StopGrace         time.Duration
	LivenessGrace     time.Duration
	LogFlushInterval  time.Duration
	LogMaxLines       int

	RedisURL    string
	RecordTTL   time.Duration
	DatabaseURL string
	StatusAddr  string
}

func FromEnv() Settings {
	return Settings{
		ScratchRoot: GetEnv("STREAM_TEMP_DIR", "/var/tmp/streams"),
		MediaRoot:   GetEnv("MEDIA_ROOT", ""),
		FfmpegPath:  GetEnv("FFMPEG_PATH", "ffmpeg"),
		YtDlpPath:   GetEnv("YTDLP_PATH", "yt-dlp"),
		QualityCap:  GetEnvInt("STREAM_QUALITY_CAP", 720),

		DownloadWorkers:    GetEnvInt("MAX_CONCURRENT_DOWNLOADS", 3),
		DownloadAttempts:   GetEnvInt("DOWNLOAD_ATTEMPTS", 2),
		DownloadRetryDelay: GetEnvDuration("DOWNLOAD_RETRY_DELAY", 3*time.Second),
		DownloadTimeout:    GetEnvDuration("DOWNLOAD_TIMEOUT", 5*time.Minute),
		DownloadRate:       GetEnvFloat("DOWNLOAD_RATE_PER_SECOND", 0),

		LoopMultiplier:    GetEnvInt("STREAM_LOOP_COUNT", 100),
		RestartCeiling:    GetEnvInt("MAX_STREAM_RESTARTS", 5),
		RestartBackoff:    GetEnvDuration("RESTART_BACKOFF", 5*time.Second),
		RestartBackoffMax: GetEnvDuration("RESTART_BACKOFF_MAX", 60*time.Second),
		StableRunDuration: GetEnvDuration("STABLE_RUN_DURATION", 30*time.Second),
		StopGrace:         GetEnvDuration("STOP_GRACE", 2*time.Second),
		LivenessGrace:     GetEnvDuration("LIVENESS_GRACE", 10*time.Second),
		LogFlushInterval:  GetEnvDuration("LOG_FLUSH_INTERVAL", 5*time.Second),
		LogMaxLines:       GetEnvInt("LOG_MAX_LINES", 50),

		RedisURL:    GetEnv("REDIS_URL", ""),
		RecordTTL:   GetEnvDuration("STREAM_CACHE_TIMEOUT", 24*time.Hour),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		StatusAddr:  GetEnv("STATUS_ADDR", ":8080"),
	}
}
