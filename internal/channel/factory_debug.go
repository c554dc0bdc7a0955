//go:build debug

package channel

// New creates an unbuffered queue regardless of size so debug builds surface
// ordering assumptions between sender and consumer.
func New[T any](size int) Channel[T] {
	return newQueue[T](0)
}
