package cluster

import "math"

// cosineSimilarity returns the raw cosine of the angle between a and b,
// in [-1, 1]. A zero vector on either side yields 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// centroid is the element-wise mean of the vectors. All vectors must
// share a length.
func centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range v {
			out[i] += v[i]
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// clusterStats derives the quality signals for one cluster from its
// member vectors and their precomputed distances to the centroid.
func clusterStats(vectors [][]float32, distances []float64) Stats {
	var stats Stats

	var sum float64
	for _, d := range distances {
		sum += d
	}
	stats.AvgDistanceToCentroid = sum / float64(len(distances))

	var varSum float64
	for _, d := range distances {
		diff := d - stats.AvgDistanceToCentroid
		varSum += diff * diff
	}
	stats.StdDistanceToCentroid = math.Sqrt(varSum / float64(len(distances)))

	first := true
	var simSum float64
	var pairs int
	for i := range vectors {
		for j := i + 1; j < len(vectors); j++ {
			sim := cosineSimilarity(vectors[i], vectors[j])
			simSum += sim
			pairs++
			if first || sim < stats.MinPairwiseSimilarity {
				stats.MinPairwiseSimilarity = sim
			}
			if first || sim > stats.MaxPairwiseSimilarity {
				stats.MaxPairwiseSimilarity = sim
			}
			first = false
		}
	}
	if pairs > 0 {
		stats.AvgPairwiseSimilarity = simSum / float64(pairs)
	}
	return stats
}
