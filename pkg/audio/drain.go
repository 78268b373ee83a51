package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it once the consumer of a [Source] has stopped, so that a producer
// still writing to the channel is not blocked forever.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
