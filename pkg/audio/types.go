package audio

import "time"

// Frame represents a single fixed-duration slice of captured audio.
// Frames are the atomic unit of transport between the capture device and the
// segmenter: produced at a fixed cadence, immutable once captured.
type Frame struct {
	// PCM is raw little-endian signed 16-bit audio data.
	PCM []byte

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the size in bytes of one sample frame
// (one 16-bit sample per channel).
func (f Format) BytesPerFrame() int {
	return f.Channels * 2
}

// BytesPerSecond returns the PCM byte rate of this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the play time of n PCM bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
