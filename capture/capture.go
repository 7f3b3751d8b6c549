// Package capture acquires the system-audio source for a live session and
// turns the device's PCM callback into a fixed-cadence chunk stream.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/famoratech/InterviewCopilot/audio"
	"github.com/famoratech/InterviewCopilot/encoder"
)

// DefaultChunkMs is the outbound chunk cadence: short enough for low
// transcription latency, long enough to keep frame overhead small. Fixed,
// not adaptive.
const DefaultChunkMs = 250

var (
	// ErrNoAudioTrack means a capture path exists but none of it carries
	// system audio. Surfaced with guidance; never retried automatically.
	ErrNoAudioTrack = errors.New("no system-audio track available")
	// ErrPermissionDenied means the OS refused or failed device access.
	ErrPermissionDenied = errors.New("audio capture failed")
)

// NoAudioGuidance is shown to the user alongside ErrNoAudioTrack.
const NoAudioGuidance = "No audio found. Enable a system-audio source " +
	"(a 'Monitor' input on Linux, 'Stereo Mix' on Windows, or a virtual " +
	"audio device on macOS) and start again."

type Config struct {
	ChunkMs int    // 0 means DefaultChunkMs
	Device  string // named device override; empty prefers native loopback
}

// Service opens capture sources against an audio context owned by the
// caller. One service can acquire many sources over its life, but a
// source, once released, is gone.
type Service struct {
	ctx audio.Context
	cfg Config
}

func NewService(ctx audio.Context, cfg Config) *Service {
	if cfg.ChunkMs == 0 {
		cfg.ChunkMs = DefaultChunkMs
	}
	return &Service{ctx: ctx, cfg: cfg}
}

// Acquire opens the system-audio device and starts the chunk stream.
// Fails with ErrNoAudioTrack when no system-audio source exists, and with
// ErrPermissionDenied when the device cannot be opened or started.
func (s *Service) Acquire() (*Source, error) {
	dev, err := s.openDevice()
	if err != nil {
		return nil, err
	}

	src := &Source{
		dev:        dev,
		chunkBytes: encoder.ChunkBytes(s.cfg.ChunkMs),
		chunks:     make(chan []byte, 64),
		ended:      make(chan struct{}),
	}
	dev.SetStopCallback(func() {
		src.endOnce.Do(func() { close(src.ended) })
	})
	dev.SetCallback(src.feed)

	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return src, nil
}

func (s *Service) openDevice() (audio.CaptureDevice, error) {
	config := audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	}

	if s.cfg.Device != "" {
		devices, err := s.ctx.Devices()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		for i := range devices {
			if devices[i].Name == s.cfg.Device {
				dev, err := s.ctx.NewCapture(&devices[i], config)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
				}
				return dev, nil
			}
		}
		return nil, fmt.Errorf("%w: device %q not found", ErrNoAudioTrack, s.cfg.Device)
	}

	// Native loopback first; not every backend has it.
	if dev, err := s.ctx.NewLoopback(config); err == nil {
		return dev, nil
	}

	devices, err := s.ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	for i := range devices {
		if audio.IsLoopback(devices[i].Name) {
			dev, err := s.ctx.NewCapture(&devices[i], config)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			}
			return dev, nil
		}
	}
	return nil, ErrNoAudioTrack
}

// Source is one live audio acquisition: an owned device plus a chunk
// stream. Chunks arrive at the configured cadence until Release; the
// stream is not restartable.
type Source struct {
	dev        audio.CaptureDevice
	chunkBytes int

	mu       sync.Mutex
	feedBuf  []byte
	released bool

	chunks      chan []byte
	ended       chan struct{}
	endOnce     sync.Once
	releaseOnce sync.Once
}

// Chunks delivers opaque PCM16 chunks in capture order. When the consumer
// falls behind the oldest pending chunk is dropped, never buffered beyond
// the channel window.
func (s *Source) Chunks() <-chan []byte { return s.chunks }

// Ended is closed when the OS ends the capture on its own (user revokes
// the share, device unplugged), independent of Release.
func (s *Source) Ended() <-chan struct{} { return s.ended }

func (s *Source) DeviceName() string { return s.dev.DeviceName() }

func (s *Source) feed(data []byte, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}

	s.feedBuf = append(s.feedBuf, data...)
	for len(s.feedBuf) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.feedBuf[:s.chunkBytes])
		s.feedBuf = s.feedBuf[s.chunkBytes:]
		select {
		case s.chunks <- chunk:
		default:
			// consumer absent or stalled; drop rather than grow
		}
	}
}

// Release stops the device and closes the chunk stream. Idempotent; runs
// on every session exit path.
func (s *Source) Release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.feedBuf = nil
		s.mu.Unlock()

		s.dev.Stop()
		s.dev.ClearCallback()
		s.dev.Close()

		s.mu.Lock()
		close(s.chunks)
		s.mu.Unlock()
	})
}
