package vad

// Event represents a voice activity detection result for a single audio frame.
type Event struct {
	// Speech reports whether the frame was classified as speech.
	Speech bool

	// Probability is the speech probability score (0.0–1.0). Engines that
	// only produce a binary vote report 0 or 1.
	Probability float64
}
