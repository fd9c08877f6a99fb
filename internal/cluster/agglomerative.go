package cluster

import "math"

// agglomerative merges groups bottom-up under average linkage until the
// closest pair of groups sits at or beyond the distance threshold. Every
// vector receives a label counting up from 0; singletons keep their own
// label and are dropped later by the size filter.
func agglomerative(vectors [][]float32, distanceThreshold float64) []int {
	n := len(vectors)

	// point-to-point distances, computed once
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			dist[i][j] = cosineDistance(vectors[i], vectors[j])
		}
	}

	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}

	for len(groups) > 1 {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				if d := averageLinkage(dist, groups[i], groups[j]); d < best {
					bi, bj, best = i, j, d
				}
			}
		}
		if best >= distanceThreshold {
			break
		}
		groups[bi] = append(groups[bi], groups[bj]...)
		groups = append(groups[:bj], groups[bj+1:]...)
	}

	labels := make([]int, n)
	for li, g := range groups {
		for _, idx := range g {
			labels[idx] = li
		}
	}
	return labels
}

// averageLinkage is the mean pairwise distance between two groups.
func averageLinkage(dist [][]float64, a, b []int) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}
