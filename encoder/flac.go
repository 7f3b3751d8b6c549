package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FlacArchive losslessly records the session's outbound PCM. Chunks of any
// size are accepted; full blocks are encoded as they fill and the tail is
// flushed on Close.
type FlacArchive struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	enc         *flac.Encoder
	pending     []int16
	totalFrames uint64
	path        string
	closed      bool
}

func NewFlacArchive(path string) (*FlacArchive, error) {
	a := &FlacArchive{path: path}
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    SampleRate,
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&a.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	a.enc = enc
	return a, nil
}

// WriteChunk appends one PCM16 little-endian chunk.
func (a *FlacArchive) WriteChunk(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archive closed")
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		a.pending = append(a.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(a.pending) >= BlockSize {
		if err := a.encodeBlock(a.pending[:BlockSize]); err != nil {
			return err
		}
		a.pending = a.pending[BlockSize:]
	}
	return nil
}

func (a *FlacArchive) encodeBlock(block []int16) error {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    SampleRate,
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := a.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	a.totalFrames += uint64(len(block))
	return nil
}

// TotalFrames reports the number of samples encoded so far.
func (a *FlacArchive) TotalFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFrames
}

// Close flushes the pending tail and writes the archive file. Safe to call
// twice.
func (a *FlacArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if len(a.pending) > 0 {
		if err := a.encodeBlock(a.pending); err != nil {
			return err
		}
		a.pending = nil
	}
	if err := a.enc.Close(); err != nil {
		return fmt.Errorf("finalizing flac stream: %w", err)
	}
	return os.WriteFile(a.path, a.buf.Bytes(), 0644)
}
