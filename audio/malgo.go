package audio

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	name := "system default"
	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
		name = device.Name
	}

	return m.initDevice(deviceConfig, name)
}

// NewLoopback asks the OS for a native system-audio tap. Only some
// backends (WASAPI) support this; others fail and the caller picks a
// monitor device instead.
func (m *malgoContext) NewLoopback(config CaptureConfig) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Loopback)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	return m.initDevice(deviceConfig, "system loopback")
}

func (m *malgoContext) initDevice(deviceConfig malgo.DeviceConfig, name string) (CaptureDevice, error) {
	cap := &malgoCapture{name: name}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cap.mu.Lock()
			cb := cap.cb
			cap.mu.Unlock()
			if cb != nil {
				cb(data, frameCount)
			}
		},
		Stop: func() {
			cap.mu.Lock()
			fn := cap.onStop
			stopping := cap.stopping
			cap.mu.Unlock()
			// Stop() and Close() also land here; only a stop the client
			// did not request counts as the source ending.
			if fn != nil && !stopping {
				fn()
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	cap.device = dev
	return cap, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device *malgo.Device
	name   string

	mu       sync.Mutex
	cb       DataCallback
	onStop   func()
	stopping bool
}

func (c *malgoCapture) Start() error {
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.device.Uninit()
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *malgoCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *malgoCapture) SetStopCallback(fn func()) {
	c.mu.Lock()
	c.onStop = fn
	c.mu.Unlock()
}

func (c *malgoCapture) DeviceName() string { return c.name }
