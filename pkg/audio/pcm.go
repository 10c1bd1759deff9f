// Package audio holds the PCM types and helpers shared by the capture,
// segmentation, and playback layers. All audio in the pipeline is raw
// little-endian signed 16-bit PCM; WAV containers appear only at the
// edges (file playback, HTTP uploads).
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// bitsPerSample is fixed at 16 for the whole pipeline.
const bitsPerSample = 16

// RMS computes the root-mean-square energy of 16-bit little-endian PCM in
// native sample units (max 32767). Empty or odd-length input yields 0; a
// trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns a zero-valued PCM buffer of duration d in the given format,
// rounded down to a whole sample frame.
func Silence(f Format, d time.Duration) []byte {
	n := int(d * time.Duration(f.BytesPerSecond()) / time.Second)
	n -= n % f.BytesPerFrame()
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}

// LeadingSilence returns the duration of the quiet lead-in at the start of
// pcm: the span before the first sample whose absolute amplitude exceeds
// threshold (native 16-bit units). If no sample exceeds the threshold the
// whole buffer is considered silent.
func LeadingSilence(pcm []byte, f Format, threshold int16) time.Duration {
	frameBytes := f.BytesPerFrame()
	if frameBytes <= 0 {
		return 0
	}
	frames := len(pcm) / frameBytes
	for i := range frames {
		for ch := range f.Channels {
			off := i*frameBytes + ch*2
			s := int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
			if s > threshold || s < -threshold {
				return f.Duration(i * frameBytes)
			}
		}
	}
	return f.Duration(frames * frameBytes)
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.SampleRate * f.Channels * bitsPerSample / 8
	blockAlign := f.Channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels)) // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a WAV container and returns its 16-bit PCM payload and
// format. Returns an error for invalid containers or unsupported bit depths.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	ibuf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if dec.BitDepth != bitsPerSample {
		return nil, Format{}, fmt.Errorf("audio: decode wav: unsupported bit depth %d", dec.BitDepth)
	}
	f := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	pcm := intBufferToPCM16(ibuf)
	return pcm, f, nil
}

// intBufferToPCM16 converts a go-audio IntBuffer to raw little-endian int16 bytes.
func intBufferToPCM16(ibuf *gaudio.IntBuffer) []byte {
	out := make([]byte, len(ibuf.Data)*2)
	for i, s := range ibuf.Data {
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
