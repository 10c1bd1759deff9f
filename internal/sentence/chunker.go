// Package sentence incrementally groups streamed text deltas into
// sentence-sized chunks for low-latency speech synthesis.
//
// A Chunker accumulates deltas and emits a chunk whenever a sentence
// terminator appears. To keep latency bounded on long unpunctuated output it
// also force-flushes once the buffer grows past a character budget or has
// been idle past a wait budget.
package sentence

import (
	"fmt"
	"strings"
	"time"
)

// terminators end a sentence. Both ASCII and CJK fullwidth punctuation are
// recognised, plus newline for list-style output.
const terminators = ".!?。！？\n"

// Chunker splits a stream of text deltas into sentences.
//
// Chunker is not safe for concurrent use; the conversation loop owns it.
type Chunker struct {
	maxChars int
	maxWait  time.Duration
	now      func() time.Time

	buf       []rune
	lastFlush time.Time
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithClock replaces the wall clock. Used by tests to drive the wait budget
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) { c.now = now }
}

// NewChunker creates a Chunker. maxChars is the buffered-rune budget that
// forces a flush without a terminator; maxWait is the idle budget that does
// the same.
func NewChunker(maxChars int, maxWait time.Duration, opts ...Option) (*Chunker, error) {
	if maxChars < 1 {
		return nil, fmt.Errorf("sentence: maxChars must be >= 1, got %d", maxChars)
	}
	if maxWait < 0 {
		return nil, fmt.Errorf("sentence: maxWait must be >= 0, got %v", maxWait)
	}
	c := &Chunker{
		maxChars: maxChars,
		maxWait:  maxWait,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.lastFlush = c.now()
	return c, nil
}

// Push appends delta to the buffer and returns all complete sentences that
// can be emitted, in order. A flush of partial text happens when the buffer
// exceeds the character budget or the wait budget has elapsed since the last
// emitted chunk.
func (c *Chunker) Push(delta string) []string {
	if delta != "" {
		c.buf = append(c.buf, []rune(delta)...)
	}

	out := c.drainSentences()
	if c.shouldForceFlush() {
		if forced := c.consume(); forced != "" {
			out = append(out, forced)
			c.lastFlush = c.now()
		}
	}
	return out
}

// Finish flushes whatever remains in the buffer. Returns "" when the buffer
// holds only whitespace.
func (c *Chunker) Finish() string {
	tail := c.consume()
	if tail != "" {
		c.lastFlush = c.now()
	}
	return tail
}

func (c *Chunker) drainSentences() []string {
	var out []string
	for {
		cut := firstSentenceCut(c.buf)
		if cut < 0 {
			break
		}
		part := strings.TrimSpace(string(c.buf[:cut]))
		c.buf = c.buf[cut:]
		if part != "" {
			out = append(out, part)
			c.lastFlush = c.now()
		}
	}
	return out
}

func (c *Chunker) shouldForceFlush() bool {
	candidate := strings.TrimSpace(string(c.buf))
	if candidate == "" {
		return false
	}
	if len([]rune(candidate)) >= c.maxChars {
		return true
	}
	return c.now().Sub(c.lastFlush) >= c.maxWait
}

func (c *Chunker) consume() string {
	chunk := strings.TrimSpace(string(c.buf))
	c.buf = c.buf[:0]
	return chunk
}

// firstSentenceCut returns the index one past the first terminator, or -1
// when the buffer holds no complete sentence.
func firstSentenceCut(buf []rune) int {
	for i, r := range buf {
		if strings.ContainsRune(terminators, r) {
			return i + 1
		}
	}
	return -1
}
