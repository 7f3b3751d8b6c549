// Package encoder holds the PCM wire constants and the FLAC archive
// encoder used to keep a local copy of the session audio.
package encoder

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

// ChunkBytes returns the size of one outbound audio chunk for the given
// cadence. Chunks are raw little-endian PCM16.
func ChunkBytes(intervalMs int) int {
	return SampleRate * Channels * (BitsPerSample / 8) * intervalMs / 1000
}
