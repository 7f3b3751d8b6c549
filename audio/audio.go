// Package audio owns the capture device layer: enumeration, system-audio
// (loopback) capture, and a fake backend for tests.
package audio

import "strings"

// Names that mark a capture device as a system-audio tap rather than a
// microphone. Pulse/PipeWire expose these as "Monitor of ...", Windows as
// "Stereo Mix", some drivers as "loopback".
var loopbackKeywords = []string{
	"monitor", "loopback", "stereo mix", "what u hear", "wave out",
	"blackhole", "soundflower", "virtual audio",
}

// IsLoopback reports whether a device name looks like a system-audio
// source.
func IsLoopback(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range loopbackKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	// NewCapture opens the named device, or the system default when device
	// is nil.
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	// NewLoopback opens a native system-audio loopback capture. Backends
	// without loopback support return an error; callers fall back to a
	// monitor device from Devices().
	NewLoopback(config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// SetStopCallback registers a handler for the device ending on its own
	// (share revoked, device unplugged). Fires at most once.
	SetStopCallback(fn func())
	DeviceName() string
}
