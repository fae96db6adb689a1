package collector

import (
	"iter"
	"slices"
)

// MaxBatchSize is the provider's per-request term limit.
const MaxBatchSize = 5

// Batch yields consecutive groups of at most size elements in input order.
// The sequence is lazy and can be ranged over any number of times.
// It panics if size is less than 1.
func Batch[T any](items []T, size int) iter.Seq[[]T] {
	return slices.Chunk(items, size)
}

// BatchCount returns how many groups Batch will yield.
func BatchCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
