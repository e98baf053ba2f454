// Package numeric holds small integer-arithmetic helpers for sizing
// worker pools and chunking batched work.
package numeric

import "runtime"

// CeilDiv returns ceil(x/y), or 0 when y is 0.
func CeilDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// ResolveParallelism maps a configured worker-count to an effective one:
// a positive value is used as-is, 0 falls back to the number of logical
// CPUs, matching the "0 -> CPU count" convention of
// max_parallel_processing (applied by the export orchestrator).
func ResolveParallelism(configured int) int {
	if configured > 0 {
		return configured
	}
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Chunks splits n items into groups of at most size, returning the
// [start, end) bounds of each group in order.
func Chunks(n, size int) [][2]int {
	if size <= 0 || n <= 0 {
		return nil
	}
	out := make([][2]int, 0, CeilDiv(n, size))
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
