package localrun

import (
	"fmt"
	"sort"

	"github.com/gomr/coordinator/internal/coordinator/core"
)

// perFileGrouping assigns one map task to each input file: the
// pipeline's Grouping contract has no separate "number of mappers" knob,
// so one bucket per input is the natural shape of "map every file
// independently" instead of round-robin-partitioning files across a
// fixed mapper count.
func perFileGrouping(inputs []core.GroupableInput) []core.Bucket {
	buckets := make([]core.Bucket, 0, len(inputs))
	for _, in := range inputs {
		buckets = append(buckets, core.Bucket{
			Key:    core.Group{Label: in.Data.Source, PreferredHost: localHost},
			Inputs: []core.GroupableInput{in},
		})
	}
	return buckets
}

// byPartitionGrouping buckets every map task's shuffle output by the
// reduce partition it was written for (GroupableInput.InputID.Position),
// so every reducer reads its partition's file from every mapper without
// any change to core's grouping contract: a map task's TaskOutputs
// already carry Position as the partition index (see
// (*LocalScheduler).runMapTask).
func byPartitionGrouping(inputs []core.GroupableInput) []core.Bucket {
	byPosition := make(map[int][]core.GroupableInput)
	for _, in := range inputs {
		byPosition[in.InputID.Position] = append(byPosition[in.InputID.Position], in)
	}

	positions := make([]int, 0, len(byPosition))
	for p := range byPosition {
		positions = append(positions, p)
	}
	sort.Ints(positions)

	buckets := make([]core.Bucket, 0, len(positions))
	for _, p := range positions {
		buckets = append(buckets, core.Bucket{
			Key:    core.Group{Label: fmt.Sprintf("reduce-%d", p), PreferredHost: localHost},
			Inputs: byPosition[p],
		})
	}
	return buckets
}
