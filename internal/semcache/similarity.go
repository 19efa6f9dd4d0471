package semcache

import "math"

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1, 1].
// Vectors of different length or with zero norm have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clampSimilarity(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// similarityFromDistance converts a cosine distance (1 - cos) into a similarity.
func similarityFromDistance(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	return clampSimilarity(1 - distance)
}

func clampSimilarity(s float64) float64 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}
