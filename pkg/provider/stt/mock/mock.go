// Package mock provides a scriptable test double for stt.Recognizer.
package mock

import (
	"context"
	"sync"

	"github.com/voicepi/voicepi/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte

	// SampleRate is the sample rate passed to Transcribe.
	SampleRate int
}

// Recognizer is a mock implementation of stt.Recognizer.
//
// When Results is non-empty, successive Transcribe calls consume it in
// order; once exhausted the final entry repeats. Err is checked first and,
// if non-nil, returned by every call.
type Recognizer struct {
	mu sync.Mutex

	// Results scripts the successive return values of Transcribe.
	Results []stt.Result

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Calls records every invocation in order.
	Calls []TranscribeCall

	next int
}

// Compile-time assertion that Recognizer implements stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Transcribe records the call and returns the next scripted result.
func (r *Recognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.Calls = append(r.Calls, TranscribeCall{PCM: cp, SampleRate: sampleRate})
	if r.Err != nil {
		return stt.Result{}, r.Err
	}
	if len(r.Results) == 0 {
		return stt.Result{}, nil
	}
	idx := r.next
	if idx >= len(r.Results) {
		idx = len(r.Results) - 1
	}
	r.next++
	return r.Results[idx], nil
}

// CallCount returns the number of recorded Transcribe calls.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
