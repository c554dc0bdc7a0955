//go:build !debug

package channel

// New creates a queue holding up to size items.
func New[T any](size int) Channel[T] {
	return newQueue[T](size)
}
