package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is no longer needed (e.g., abandoning a synthesis stream after a playback
// error).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
