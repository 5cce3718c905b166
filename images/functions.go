// Package images - Data-parallel helpers shared by the preprocessing and decoding stages.
package images

import (
	"runtime"
	"sync"
)

// Partition is a half-open index range [Start, End) owned by a single worker.
type Partition struct {
	Start, End int
}

// Partitions splits [0, dataSize) into at most workers contiguous, non-overlapping ranges.
//
// The split is static: partition i always covers the same indices for a given
// dataSize and worker count, and the last partition absorbs the remainder.
//
// Arguments:
//   - dataSize: The number of indices to split.
//   - workers: The desired number of partitions. Values < 1 use runtime.NumCPU().
//
// Returns:
//   - []Partition: The partitions in ascending index order.
func Partitions(dataSize, workers int) []Partition {
	if dataSize <= 0 {
		return nil
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	// For small data sizes, parallel processing overhead isn't worth it.
	if dataSize < workers*2 {
		return []Partition{{Start: 0, End: dataSize}}
	}

	partSize := dataSize / workers
	parts := make([]Partition, workers)
	for i := range parts {
		parts[i] = Partition{Start: i * partSize, End: (i + 1) * partSize}
	}
	parts[workers-1].End = dataSize

	return parts
}

// Parallel executes fn over [0, dataSize) across multiple goroutines.
//
// Each goroutine receives one partition from Partitions and must only write to
// the output indices in its own range; no synchronization is provided beyond
// waiting for all partitions to finish.
//
// Arguments:
//   - dataSize: The size of the data to process.
//   - workers: The number of goroutines. Values < 1 use runtime.NumCPU(); 1 runs inline.
//   - fn: Function to execute for each partition (receives start and end indices).
//
// @example
//
//	Parallel(height*width, 0, func(start, end int) {
//	    for i := start; i < end; i++ {
//	        // Process pixel i
//	    }
//	})
func Parallel(dataSize, workers int, fn func(partStart, partEnd int)) {
	ParallelPartitions(Partitions(dataSize, workers), func(_ int, p Partition) {
		fn(p.Start, p.End)
	})
}

// ParallelPartitions runs fn once per partition, one goroutine each, and
// waits for all of them. fn receives the partition's index in parts so
// callers can write per-partition results without searching.
// A single partition runs inline.
func ParallelPartitions(parts []Partition, fn func(index int, part Partition)) {
	switch len(parts) {
	case 0:
		return
	case 1:
		fn(0, parts[0])
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(parts))
	for i, p := range parts {
		go func(i int, p Partition) {
			defer wg.Done()
			fn(i, p)
		}(i, p)
	}
	wg.Wait()
}

// Clamp restricts a value to the specified range [min, max].
//
// @example
// clamped := Clamp(300, 0, 255) // Returns 255
func Clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
