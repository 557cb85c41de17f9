package pcmaudio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// seekableBuffer extends bytes.Buffer with a Seek method, making it
// compatible with io.WriteSeeker so the WAV encoder can patch headers.
type seekableBuffer struct {
	bytes.Buffer
	pos int64
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	// Writes past the current end grow the buffer through the embedded
	// Buffer; mid-buffer writes overwrite in place.
	if b.pos < int64(b.Len()) {
		n := copy(b.Bytes()[b.pos:], p)
		if n < len(p) {
			if _, err := b.Buffer.Write(p[n:]); err != nil {
				return n, err
			}
		}
		b.pos += int64(len(p))
		return len(p), nil
	}
	n, err := b.Buffer.Write(p)
	b.pos += int64(n)
	return n, err
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(b.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position %d", abs)
	}
	b.pos = abs
	return abs, nil
}

// EncodeWAV wraps raw PCM in a WAV container in memory. Used for the audio
// identification upload, which wants a self-describing clip.
func EncodeWAV(pcmData []byte) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("pcm data is empty")
	}

	buf := &seekableBuffer{}
	enc := wav.NewEncoder(buf, SampleRate, BitDepth, NumChannels, 1)

	if err := enc.Write(&audio.IntBuffer{
		Data:   byteSliceToInts(pcmData),
		Format: &audio.Format{SampleRate: SampleRate, NumChannels: NumChannels},
	}); err != nil {
		return nil, fmt.Errorf("failed to write to WAV encoder: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV data: %w", err)
	}

	return buf.Bytes(), nil
}

// SaveWAV writes raw PCM as a WAV file at filePath, creating directories as
// needed. Used for debug clip export.
func SaveWAV(filePath string, pcmData []byte) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	outFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	enc := wav.NewEncoder(outFile, SampleRate, BitDepth, NumChannels, 1)
	if err := enc.Write(&audio.IntBuffer{
		Data:   byteSliceToInts(pcmData),
		Format: &audio.Format{SampleRate: SampleRate, NumChannels: NumChannels},
	}); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}

	return enc.Close()
}

// byteSliceToInts converts 16-bit little-endian PCM to integer samples.
func byteSliceToInts(pcmData []byte) []int {
	n := len(pcmData) / BytesPerSample
	samples := make([]int, n)
	for i := range n {
		samples[i] = int(int16(uint16(pcmData[i*2]) | uint16(pcmData[i*2+1])<<8))
	}
	return samples
}
