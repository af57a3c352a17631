package cluster

import (
	"math"
	"math/rand"
)

// cosineDistance is 1 - cosine similarity, so identical directions score 0
// and opposite directions score 2.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// kmeans clusters vectors into k groups using k-means++ seeding and Lloyd
// iterations bounded by maxIter. It returns the centroids and the cluster
// assignment per input vector.
//
// Seeding is randomized: two runs over identical input may produce different
// clusterings. Callers expose this as documented behavior.
func kmeans(vectors [][]float32, k, maxIter int, rng *rand.Rand) ([][]float32, []int) {
	n := len(vectors)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	dim := len(vectors[0])

	centroids := seedPlusPlus(vectors, k, rng)
	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float64, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i, vec := range vectors {
			best := nearestCentroid(vec, centroids)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i, vec := range vectors {
			c := assignments[i]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += float64(vec[d])
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Re-seed an empty cluster with a random point.
				copy(centroids[j], vectors[rng.Intn(n)])
				continue
			}
			scale := 1 / float64(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j][d] = float32(sums[j*dim+d] * scale)
			}
		}
	}

	return centroids, assignments
}

// seedPlusPlus picks k initial centroids: the first uniformly at random, each
// next one with probability proportional to its squared distance from the
// nearest already-chosen centroid.
func seedPlusPlus(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	dim := len(vectors[0])

	centroids := make([][]float32, 0, k)
	first := make([]float32, dim)
	copy(first, vectors[rng.Intn(n)])
	centroids = append(centroids, first)

	dists := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, vec := range vectors {
			d := math.MaxFloat64
			for _, c := range centroids {
				if dc := cosineDistance(vec, c); dc < d {
					d = dc
				}
			}
			dists[i] = d * d
			total += dists[i]
		}

		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dists {
				target -= d
				if target <= 0 {
					idx = i
					break
				}
			}
		} else {
			// All points coincide with a centroid already.
			idx = rng.Intn(n)
		}

		next := make([]float32, dim)
		copy(next, vectors[idx])
		centroids = append(centroids, next)
	}
	return centroids
}

// nearestCentroid returns the index of the centroid closest to vec.
func nearestCentroid(vec []float32, centroids [][]float32) int {
	best := 0
	bestDist := math.MaxFloat64
	for j, c := range centroids {
		if d := cosineDistance(vec, c); d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}
