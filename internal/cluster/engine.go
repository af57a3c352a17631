// Package cluster groups stored lead records into thematic clusters so that
// recurring win/loss patterns become visible.
//
// The engine scrolls matching records out of the vector index, re-embeds
// their stored embedding text, and runs bounded k-means with k-means++
// seeding. Seeding is randomized, so repeated runs over identical data may
// assign records differently — callers should read structural properties
// (sizes, themes), not exact memberships.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/leadsonar/leadsonar/internal/observe"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// AnalysisType selects the implicit base filter of a pattern discovery run.
type AnalysisType string

const (
	// AnalysisLost restricts the population to lost records.
	AnalysisLost AnalysisType = "lost"
	// AnalysisWon restricts the population to won records.
	AnalysisWon AnalysisType = "won"
	// AnalysisAll runs over every stored record.
	AnalysisAll AnalysisType = "all"
)

// ValueCount is one categorical value and how often it occurs in a cluster.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// RevenueStats summarizes expected revenue over cluster members that carry a
// positive value.
type RevenueStats struct {
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Themes are the frequency summaries derived per cluster.
type Themes struct {
	TopCategories  []ValueCount `json:"topCategories"`
	TopLossReasons []ValueCount `json:"topLossReasons"`
	Revenue        RevenueStats `json:"revenueStats"`
}

// Member is one record inside a cluster, with its cosine distance to the
// cluster centroid.
type Member struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// Cluster is one discovered group, sized and themed.
type Cluster struct {
	ID                    int      `json:"clusterId"`
	Size                  int      `json:"size"`
	CentroidDistanceAvg   float64  `json:"centroidDistanceAvg"`
	RepresentativeMembers []Member `json:"representativeMembers"`
	CommonThemes          Themes   `json:"commonThemes"`
	Summary               string   `json:"summaryText"`
}

// PatternResult is the outcome of one discovery run. Derived and ephemeral —
// nothing here is persisted.
type PatternResult struct {
	AnalysisType         AnalysisType  `json:"analysisType"`
	TotalRecordsAnalyzed int           `json:"totalRecordsAnalyzed"`
	NumClusters          int           `json:"numClusters"`
	Clusters             []Cluster     `json:"clusters"`
	Insights             []string      `json:"insights"`
	Duration             time.Duration `json:"-"`
}

const (
	defaultMaxIterations  = 100
	representativeMembers = 3
	topThemeValues        = 3
)

// Engine runs pattern discovery over the vector index.
type Engine struct {
	index    vector.Index
	provider embeddings.Provider
	log      *slog.Logger
	metrics  *observe.Metrics
	maxIter  int
	newRNG   func() *rand.Rand
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithMaxIterations bounds the Lloyd iteration count.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithSeed makes runs reproducible in tests.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.newRNG = func() *rand.Rand {
			return rand.New(rand.NewSource(seed))
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(index vector.Index, provider embeddings.Provider, opts ...Option) *Engine {
	e := &Engine{
		index:    index,
		provider: provider,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		maxIter:  defaultMaxIterations,
		newRNG: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DiscoverPatterns clusters all records matching the analysis type plus the
// caller's filter into at most k groups.
//
// A population smaller than 2k yields a zero-cluster result with diagnostic
// insights instead of an error. Transport failures from the index or the
// embeddings provider are returned as errors.
func (e *Engine) DiscoverPatterns(ctx context.Context, analysisType AnalysisType, filter vector.Filter, k int) (PatternResult, error) {
	start := time.Now()
	defer func() {
		e.metrics.ClusterDuration.Record(ctx, time.Since(start).Seconds())
	}()
	if k <= 0 {
		k = 5
	}
	filter = applyAnalysisType(filter, analysisType)

	items, err := e.index.Scroll(ctx, filter, 0)
	if err != nil {
		return PatternResult{}, fmt.Errorf("scroll population: %w", err)
	}

	// Points without stored embedding text cannot be re-embedded; drop them
	// from the analysis rather than guessing.
	population := items[:0]
	for _, it := range items {
		if it.Metadata.EmbeddingText != "" {
			population = append(population, it)
		}
	}

	result := PatternResult{
		AnalysisType:         analysisType,
		TotalRecordsAnalyzed: len(population),
	}

	if len(population) < 2*k {
		result.Insights = []string{
			fmt.Sprintf("Not enough records to cluster: %d match the %s filter, but at least %d are needed for k=%d.",
				len(population), analysisType, 2*k, k),
			"Run a full sync to load more records, widen the filter, or lower the cluster count.",
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	texts := make([]string, len(population))
	for i, it := range population {
		texts[i] = it.Metadata.EmbeddingText
	}
	vecs, err := e.provider.EmbedBatch(ctx, texts, embeddings.ModeDocument, nil)
	if err != nil {
		return PatternResult{}, fmt.Errorf("embed population: %w", err)
	}

	centroids, assignments := kmeans(vecs, k, e.maxIter, e.newRNG())

	clusters := buildClusters(population, vecs, centroids, assignments)
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Size > clusters[j].Size })
	for i := range clusters {
		clusters[i].ID = i
	}

	result.Clusters = clusters
	result.NumClusters = len(clusters)
	result.Insights = synthesizeInsights(len(population), clusters)
	result.Duration = time.Since(start)

	e.log.Info("pattern discovery finished",
		"type", analysisType, "population", len(population),
		"clusters", result.NumClusters, "took", result.Duration)
	return result, nil
}

// applyAnalysisType ANDs the implicit base filter onto the caller's filter.
func applyAnalysisType(f vector.Filter, t AnalysisType) vector.Filter {
	yes := true
	switch t {
	case AnalysisLost:
		f.IsLost = &yes
	case AnalysisWon:
		f.IsWon = &yes
	}
	return f
}

// buildClusters assembles per-cluster stats from the raw assignment.
// Empty clusters are dropped.
func buildClusters(population []vector.ScrollItem, vecs [][]float32, centroids [][]float32, assignments []int) []Cluster {
	groups := make(map[int][]int)
	for i, c := range assignments {
		groups[c] = append(groups[c], i)
	}

	clusters := make([]Cluster, 0, len(groups))
	for c, members := range groups {
		type memberDist struct {
			idx  int
			dist float64
		}
		dists := make([]memberDist, len(members))
		var sum float64
		for i, idx := range members {
			d := cosineDistance(vecs[idx], centroids[c])
			dists[i] = memberDist{idx: idx, dist: d}
			sum += d
		}
		sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

		reps := make([]Member, 0, representativeMembers)
		for _, md := range dists[:min(representativeMembers, len(dists))] {
			meta := population[md.idx].Metadata
			reps = append(reps, Member{
				ID:       population[md.idx].ID,
				Name:     meta.Name,
				Distance: md.dist,
			})
		}

		themes := deriveThemes(population, members)
		cl := Cluster{
			Size:                  len(members),
			CentroidDistanceAvg:   sum / float64(len(members)),
			RepresentativeMembers: reps,
			CommonThemes:          themes,
		}
		cl.Summary = summarize(cl)
		clusters = append(clusters, cl)
	}
	return clusters
}

// deriveThemes counts categorical values and summarizes revenue over the
// member set.
func deriveThemes(population []vector.ScrollItem, members []int) Themes {
	sectors := make(map[string]int)
	reasons := make(map[string]int)
	var rev RevenueStats

	for _, idx := range members {
		meta := population[idx].Metadata
		if meta.Sector != "" {
			sectors[meta.Sector]++
		}
		if meta.LostReason != "" {
			reasons[meta.LostReason]++
		}
		if meta.ExpectedValue > 0 {
			if rev.Count == 0 || meta.ExpectedValue < rev.Min {
				rev.Min = meta.ExpectedValue
			}
			if meta.ExpectedValue > rev.Max {
				rev.Max = meta.ExpectedValue
			}
			rev.Mean += meta.ExpectedValue
			rev.Count++
		}
	}
	if rev.Count > 0 {
		rev.Mean /= float64(rev.Count)
	}

	return Themes{
		TopCategories:  topValues(sectors, topThemeValues),
		TopLossReasons: topValues(reasons, topThemeValues),
		Revenue:        rev,
	}
}

// topValues returns the n most frequent values, ties broken alphabetically so
// theme output is stable for a fixed membership.
func topValues(counts map[string]int, n int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// summarize renders a one-line human-readable cluster description.
func summarize(c Cluster) string {
	s := fmt.Sprintf("%d records", c.Size)
	if len(c.CommonThemes.TopCategories) > 0 {
		top := c.CommonThemes.TopCategories[0]
		s += fmt.Sprintf(", mostly %s (%d)", top.Value, top.Count)
	}
	if len(c.CommonThemes.TopLossReasons) > 0 {
		top := c.CommonThemes.TopLossReasons[0]
		s += fmt.Sprintf(", top loss reason %q (%d)", top.Value, top.Count)
	}
	if c.CommonThemes.Revenue.Count > 0 {
		s += fmt.Sprintf(", avg expected revenue %.0f", c.CommonThemes.Revenue.Mean)
	}
	return s
}

// synthesizeInsights derives 1-2 natural-language observations from the
// largest cluster.
func synthesizeInsights(population int, clusters []Cluster) []string {
	if len(clusters) == 0 {
		return nil
	}
	largest := clusters[0]

	insights := []string{
		fmt.Sprintf("The largest of %d clusters holds %d of %d analyzed records (%.0f%%).",
			len(clusters), largest.Size, population, 100*float64(largest.Size)/float64(population)),
	}
	if len(largest.CommonThemes.TopLossReasons) > 0 {
		top := largest.CommonThemes.TopLossReasons[0]
		insights = append(insights, fmt.Sprintf("Its dominant loss reason is %q, covering %.0f%% of the cluster.",
			top.Value, 100*float64(top.Count)/float64(largest.Size)))
	} else if len(largest.CommonThemes.TopCategories) > 0 {
		top := largest.CommonThemes.TopCategories[0]
		insights = append(insights, fmt.Sprintf("Its dominant sector is %q, covering %.0f%% of the cluster.",
			top.Value, 100*float64(top.Count)/float64(largest.Size)))
	}
	return insights
}
