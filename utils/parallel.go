// Package utils contains small helpers shared by the feature, training and detection packages.
package utils

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// GroupWorkFunc processes the half-open work range [from, to).
type GroupWorkFunc func(ctx context.Context, groupNum, from, to int) error

// GroupWorkParallel splits totalSize work items into at most ParallelFactor contiguous groups
// and runs groupWork for each of them concurrently. The first error cancels the context
// handed to the other groups and is returned.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if numGroups > totalSize {
		numGroups = totalSize
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	g, ctx := errgroup.WithContext(ctx)
	from := 0
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		size := groupSize
		if groupNum < extra {
			size++
		}
		groupNum, lo, hi := groupNum, from, from+size
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return groupWork(ctx, groupNum, lo, hi)
		})
		from = hi
	}
	return g.Wait()
}
