package audio

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
	fakeSampleRate    = 16000
	WAVHeaderSize     = 44
)

// FakeContext replays PCM from a WAV file (or an in-memory buffer) through
// the CaptureDevice interface for tests and headless mode.
type FakeContext struct {
	pcm      []byte
	realtime bool
	loopback bool

	mu   sync.Mutex
	last *FakeCapture
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime, loopback: true}, nil
}

// NewFakePCMContext wraps raw PCM bytes directly.
func NewFakePCMContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime, loopback: true}
}

// DisableLoopback makes NewLoopback fail and Devices return only a plain
// microphone, simulating a host with no system-audio tap.
func (f *FakeContext) DisableLoopback() { f.loopback = false }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	if !f.loopback {
		return []DeviceInfo{{ID: "00", Name: "Built-in Microphone"}}, nil
	}
	return []DeviceInfo{
		{ID: "00", Name: "Built-in Microphone"},
		{ID: "01", Name: "Monitor of Built-in Audio"},
	}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(dev *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	name := "fake"
	if dev != nil {
		name = dev.Name
	}
	return f.track(newFakeCapture(f.pcm, f.realtime, name)), nil
}

func (f *FakeContext) NewLoopback(_ CaptureConfig) (CaptureDevice, error) {
	if !f.loopback {
		return nil, fmt.Errorf("loopback capture not supported")
	}
	return f.track(newFakeCapture(f.pcm, f.realtime, "fake loopback")), nil
}

func (f *FakeContext) track(c *FakeCapture) *FakeCapture {
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c
}

// LastCapture returns the most recently created device, so tests can
// simulate OS-side events on a capture they did not construct.
func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type FakeCapture struct {
	pcm      []byte
	realtime bool
	name     string

	mu       sync.Mutex
	cb       DataCallback
	onStop   func()
	stopCh   chan struct{}
	feedDone chan struct{}
	started  bool
}

func newFakeCapture(pcm []byte, realtime bool, name string) *FakeCapture {
	return &FakeCapture{pcm: pcm, realtime: realtime, name: name}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) SetStopCallback(fn func()) {
	f.mu.Lock()
	f.onStop = fn
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return f.name }

// EndSource simulates the OS revoking the capture (user stops sharing the
// tab). It halts feeding and fires the stop callback.
func (f *FakeCapture) EndSource() {
	f.halt()
	f.mu.Lock()
	fn := f.onStop
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("fake capture already started")
	}
	f.started = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		interval := time.Duration(fakeFrameSize) * time.Second / fakeSampleRate
		if !f.realtime {
			interval = time.Millisecond
		}

		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()

			if cb != nil {
				if pos < len(f.pcm) {
					pos = f.feedChunk(cb, pos, chunkBytes)
				} else {
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) halt() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Stop()  { f.halt() }
func (f *FakeCapture) Close() { f.halt() }
