package playback

import (
	"errors"
	"testing"

	"github.com/voicepi/voicepi/pkg/audio"
)

// fakeSink records every write so tests can check alignment and ordering.
type fakeSink struct {
	writes   [][]byte
	writeErr error
	closed   int
}

func (f *fakeSink) Write(b []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed++
	return nil
}

func (f *fakeSink) total() []byte {
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func openTestSession(t *testing.T, sink Sink, f audio.Format) *StreamSession {
	t.Helper()
	backend := Backend{
		Name:      "fake",
		Available: func() bool { return true },
		Open:      func(audio.Format) (Sink, error) { return sink, nil },
	}
	s, err := OpenStream(f, WithBackends([]Backend{backend}))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	return s
}

func mono16k() audio.Format { return audio.Format{SampleRate: 16000, Channels: 1} }

func TestWriteFrames_AlignedPassThrough(t *testing.T) {
	sink := &fakeSink{}
	s := openTestSession(t, sink, mono16k())

	wrote, err := s.WriteFrames([]byte{1, 0, 2, 0})
	if err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}
	if !wrote {
		t.Error("aligned chunk should reach the sink immediately")
	}
	if len(sink.writes) != 1 || len(sink.writes[0]) != 4 {
		t.Errorf("sink writes: %v", sink.writes)
	}
}

// TestWriteFrames_NeverDropsNeverSplits is the core alignment property:
// arbitrary chunk boundaries never lose a byte and never produce a
// partial-frame write.
func TestWriteFrames_NeverDropsNeverSplits(t *testing.T) {
	sink := &fakeSink{}
	// Stereo: frame size is 4 bytes, so odd-length chunks force leftovers.
	s := openTestSession(t, sink, audio.Format{SampleRate: 16000, Channels: 2})

	var input []byte
	for i, n := range []int{1, 3, 4, 7, 2, 5} {
		chunk := make([]byte, n)
		for j := range chunk {
			chunk[j] = byte(i*16 + j + 1)
		}
		input = append(input, chunk...)
		if _, err := s.WriteFrames(chunk); err != nil {
			t.Fatalf("WriteFrames: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i, w := range sink.writes {
		if len(w)%4 != 0 {
			t.Errorf("write %d has partial frame: %d bytes", i, len(w))
		}
	}

	got := sink.total()
	// Everything written must start with the exact input; the tail may have
	// zero padding up to one frame.
	if len(got) < len(input) || len(got)-len(input) >= 4 {
		t.Fatalf("total bytes: got %d, input %d", len(got), len(input))
	}
	for i := range input {
		if got[i] != input[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], input[i])
		}
	}
	for i := len(input); i < len(got); i++ {
		if got[i] != 0 {
			t.Errorf("padding byte %d: got %d, want 0", i, got[i])
		}
	}
}

func TestWriteFrames_SubFrameChunkReportsNoWrite(t *testing.T) {
	sink := &fakeSink{}
	s := openTestSession(t, sink, audio.Format{SampleRate: 16000, Channels: 2})

	wrote, err := s.WriteFrames([]byte{9})
	if err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}
	if wrote {
		t.Error("sub-frame chunk should not reach the sink")
	}
	if len(sink.writes) != 0 {
		t.Errorf("sink writes: %v", sink.writes)
	}
}

func TestClose_Idempotent(t *testing.T) {
	sink := &fakeSink{}
	s := openTestSession(t, sink, mono16k())

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.closed != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closed)
	}
}

func TestClose_NoWrites(t *testing.T) {
	sink := &fakeSink{}
	s := openTestSession(t, sink, mono16k())

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.writes) != 0 {
		t.Errorf("unexpected writes on close: %v", sink.writes)
	}
}

func TestWriteFrames_AfterCloseFails(t *testing.T) {
	s := openTestSession(t, &fakeSink{}, mono16k())
	s.Close()
	if _, err := s.WriteFrames([]byte{1, 0}); err == nil {
		t.Fatal("expected error writing to closed session")
	}
}

func TestWriteFrames_SinkError(t *testing.T) {
	sink := &fakeSink{writeErr: errors.New("pipe broke")}
	s := openTestSession(t, sink, mono16k())

	if _, err := s.WriteFrames([]byte{1, 0}); err == nil {
		t.Fatal("expected sink error to propagate")
	}
}

func TestSelectBackends_PreservesPriority(t *testing.T) {
	specs := []Backend{
		{Name: "a", Available: func() bool { return false }},
		{Name: "b", Available: func() bool { return true }},
		{Name: "c", Available: func() bool { return true }},
	}
	got := selectBackends(specs)
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "c" {
		t.Errorf("selectBackends: got %v", got)
	}
}

func TestOpenSink_FallsThroughFailedOpens(t *testing.T) {
	bad := Backend{
		Name:      "bad",
		Available: func() bool { return true },
		Open:      func(audio.Format) (Sink, error) { return nil, errors.New("nope") },
	}
	good := Backend{
		Name:      "good",
		Available: func() bool { return true },
		Open:      func(audio.Format) (Sink, error) { return &fakeSink{}, nil },
	}

	sink, name, err := openSink([]Backend{bad, good}, mono16k())
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	if sink == nil || name != "good" {
		t.Errorf("openSink picked %q", name)
	}
}
