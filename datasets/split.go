package datasets

import (
	"math/rand"
	"sort"
)

// splitNormalImagesInTrainSet moves floor(n*ratio) of the n normal training
// samples into the test split, in rng order. At least one sample is moved
// whenever n > 0 so the test split is guaranteed a normal image. It returns
// the number of samples moved.
func splitNormalImagesInTrainSet(samples []Sample, ratio float64, rng *rand.Rand) int {
	var candidates []int
	for i, s := range samples {
		if s.Split == SplitTrain && s.IsNormal() {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	k := int(float64(len(candidates)) * ratio)
	if k < 1 {
		k = 1
	}

	for _, p := range rng.Perm(len(candidates))[:k] {
		samples[candidates[p]].Split = SplitTest
	}
	return k
}

// createValidationSetFromTestSet moves half of the test samples of every
// label into the val split, then tops each class (normal, anomalous) up to
// half of its test samples from the rows left behind, so labels with a single
// image still reach val. Labels are visited in sorted order so a seeded rng
// always picks the same samples. It returns the number of samples moved.
func createValidationSetFromTestSet(samples []Sample, rng *rand.Rand) int {
	byLabel := make(map[string][]int)
	for i, s := range samples {
		if s.Split == SplitTest {
			byLabel[s.Label] = append(byLabel[s.Label], i)
		}
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	// per class: test rows, rows moved and rows left behind
	total := make(map[bool]int)
	taken := make(map[bool]int)
	rest := make(map[bool][]int)

	moved := 0
	for _, label := range labels {
		indices := byLabel[label]
		normal := label == NormalLabel
		k := len(indices) / 2
		perm := rng.Perm(len(indices))
		for _, p := range perm[:k] {
			samples[indices[p]].Split = SplitVal
		}
		for _, p := range perm[k:] {
			rest[normal] = append(rest[normal], indices[p])
		}
		total[normal] += len(indices)
		taken[normal] += k
		moved += k
	}

	for _, normal := range []bool{true, false} {
		need := min(total[normal]/2-taken[normal], len(rest[normal]))
		left := rest[normal]
		for _, p := range rng.Perm(len(left))[:need] {
			samples[left[p]].Split = SplitVal
		}
		moved += need
	}
	return moved
}
