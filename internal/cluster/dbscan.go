package cluster

// noiseLabel marks points that joined no cluster.
const noiseLabel = -1

const unvisitedLabel = -2

// dbscan assigns a cluster label to every vector using density-based
// clustering over cosine distance. Labels count up from 0; points whose
// eps-neighborhood never reaches minPts stay at noiseLabel. A point's
// neighborhood includes the point itself.
func dbscan(vectors [][]float32, eps float64, minPts int) []int {
	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = unvisitedLabel
	}

	next := 0
	for i := range vectors {
		if labels[i] != unvisitedLabel {
			continue
		}
		neighbors := regionQuery(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noiseLabel
			continue
		}

		labels[i] = next
		// neighbors grows as core points pull in their own neighborhoods
		for k := 0; k < len(neighbors); k++ {
			j := neighbors[k]
			if labels[j] == noiseLabel {
				labels[j] = next // border point, reachable but not core
				continue
			}
			if labels[j] != unvisitedLabel {
				continue
			}
			labels[j] = next
			more := regionQuery(vectors, j, eps)
			if len(more) >= minPts {
				neighbors = append(neighbors, more...)
			}
		}
		next++
	}
	return labels
}

func regionQuery(vectors [][]float32, i int, eps float64) []int {
	var out []int
	for j := range vectors {
		if cosineDistance(vectors[i], vectors[j]) <= eps {
			out = append(out, j)
		}
	}
	return out
}
