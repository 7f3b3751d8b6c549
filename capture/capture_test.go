package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/famoratech/InterviewCopilot/audio"
)

func TestAcquireAndChunkCadence(t *testing.T) {
	pcm := make([]byte, 64*1024)
	ctx := audio.NewFakePCMContext(pcm, false)

	svc := NewService(ctx, Config{})
	src, err := svc.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()

	want := 8000 // 250ms @ 16kHz mono PCM16
	for range 3 {
		select {
		case chunk := <-src.Chunks():
			if len(chunk) != want {
				t.Fatalf("chunk size = %d, want %d", len(chunk), want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}
}

func TestAcquireNoAudioTrack(t *testing.T) {
	ctx := audio.NewFakePCMContext(nil, false)
	ctx.DisableLoopback()

	svc := NewService(ctx, Config{})
	if _, err := svc.Acquire(); !errors.Is(err, ErrNoAudioTrack) {
		t.Errorf("Acquire err = %v, want ErrNoAudioTrack", err)
	}
}

func TestAcquireNamedDeviceNotFound(t *testing.T) {
	ctx := audio.NewFakePCMContext(nil, false)
	svc := NewService(ctx, Config{Device: "USB Interface"})
	if _, err := svc.Acquire(); !errors.Is(err, ErrNoAudioTrack) {
		t.Errorf("Acquire err = %v, want ErrNoAudioTrack", err)
	}
}

func TestAcquireNamedDevice(t *testing.T) {
	ctx := audio.NewFakePCMContext(make([]byte, 1024), false)
	svc := NewService(ctx, Config{Device: "Monitor of Built-in Audio"})
	src, err := svc.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()
	if src.DeviceName() != "Monitor of Built-in Audio" {
		t.Errorf("DeviceName = %q", src.DeviceName())
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := audio.NewFakePCMContext(make([]byte, 4096), false)
	svc := NewService(ctx, Config{})
	src, err := svc.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	src.Release()
	src.Release() // must not panic or double-close

	// the chunk stream must end up closed
	for range src.Chunks() {
	}
}

func TestSourceEndedSignal(t *testing.T) {
	ctx := audio.NewFakePCMContext(make([]byte, 4096), false)
	svc := NewService(ctx, Config{})
	src, err := svc.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer src.Release()

	srcDevice(t, src).EndSource()

	select {
	case <-src.Ended():
	case <-time.After(time.Second):
		t.Fatal("Ended() did not fire after source ended")
	}
}

func srcDevice(t *testing.T, s *Source) *audio.FakeCapture {
	t.Helper()
	fake, ok := s.dev.(*audio.FakeCapture)
	if !ok {
		t.Fatalf("source device is %T, want *audio.FakeCapture", s.dev)
	}
	return fake
}
