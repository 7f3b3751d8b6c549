// Package log writes session diagnostics to a per-user log directory.
// Logging is optional: before Init (or after Close) every call is a no-op,
// so library code can log unconditionally.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: COPILOT_LOG_PATH environment variable
	envPath := os.Getenv("COPILOT_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: OS-specific per-user cache location
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cache, "interviewcopilot"), nil
}

func SetDir(d string) {
	dir = d
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(id, server, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("server", server).
		Str("device", device).
		Msg("session_start")
}

func SessionEnd(id, reason string, durS float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("reason", reason).
		Float64("duration_s", durS).
		Msg("session_end")
}

type StreamMetricsData struct {
	ConnectMs    float64
	TotalMs      float64
	SentChunks   int
	SentKB       float64
	RecvEvents   int
	Transcripts  int
	AIChunks     int
	CreditEvents int
	Dropped      int
}

func StreamMetrics(id string, m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Float64("connect_ms", m.ConnectMs).
		Float64("total_ms", m.TotalMs).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_events", m.RecvEvents).
		Int("transcripts", m.Transcripts).
		Int("ai_chunks", m.AIChunks).
		Int("credit_events", m.CreditEvents).
		Int("dropped", m.Dropped).
		Msg("stream_session")
}

// CreditEvent records a balance change with its origin: "seed", "tick",
// "update" or "out_of_credits".
func CreditEvent(id, source string, remainingS int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("source", source).
		Int("remaining_s", remainingS).
		Msg("credits")
}

type RequestMetrics struct {
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ConnReused bool
}

func APIRequest(path string, status int, m RequestMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("path", path).
		Int("status", status).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Bool("conn_reused", m.ConnReused).
		Msg("api_request")
}
