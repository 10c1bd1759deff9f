// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame votes and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{Votes: []bool{true, true, true, false}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/voicepi/voicepi/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle.
//
// When Votes is non-empty, successive ProcessFrame calls consume it in order
// and the final vote repeats once exhausted. When Votes is empty every frame
// is classified as speech.
type Session struct {
	mu sync.Mutex

	// Votes scripts the per-frame speech classification.
	Votes []bool

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// Frames records a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCount records how many times Reset was called.
	ResetCount int

	// CloseCount records how many times Close was called.
	CloseCount int

	next int
}

// Compile-time assertion that Session implements vad.SessionHandle.
var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame records the frame and returns the next scripted vote.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	vote := true
	if len(s.Votes) > 0 {
		idx := s.next
		if idx >= len(s.Votes) {
			idx = len(s.Votes) - 1
		}
		vote = s.Votes[idx]
		s.next++
	}
	prob := 0.1
	if vote {
		prob = 0.9
	}
	return vad.Event{Speech: vote, Probability: prob}, nil
}

// Reset increments ResetCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCount++
	s.next = 0
}

// Close increments CloseCount and returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}
