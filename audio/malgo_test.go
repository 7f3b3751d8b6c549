package audio

import (
	"encoding/hex"
	"testing"

	"github.com/gen2brain/malgo"
)

// Device IDs cross the Context interface as hex strings and are decoded
// back into a malgo.DeviceID when a named device is opened. The round
// trip must preserve the raw ID bytes.
func TestDeviceIDHexRoundTrip(t *testing.T) {
	var id malgo.DeviceID
	copy(id[:], []byte("usb-audio-card-7"))

	encoded := hex.EncodeToString(id[:])
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}

	var decoded malgo.DeviceID
	copy(decoded[:], raw)
	if decoded != id {
		t.Errorf("device ID changed across hex round trip: %x != %x", decoded, id)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Monitor of Built-in Audio", true},
		{"Stereo Mix (Realtek)", true},
		{"BlackHole 2ch", true},
		{"Built-in Microphone", false},
		{"USB Headset", false},
	}
	for _, tt := range tests {
		if got := IsLoopback(tt.name); got != tt.want {
			t.Errorf("IsLoopback(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
