// Package plan turns sub-questions into concrete execution plans: retrieval
// method, clamped parameters, fallback method, a declared cost estimate, and
// the pipeline-level execution strategy. Planning is static and auditable;
// nothing here reads the clock or performs I/O.
package plan

import (
	"fmt"

	"github.com/soulo/insight/internal/classify"
	"github.com/soulo/insight/internal/decompose"
	"github.com/soulo/insight/internal/retrieval"
)

// Method is a concrete retrieval method.
type Method string

const (
	VectorSimilarity Method = "vector_similarity"
	SQLQuery         Method = "sql_query"
	HybridSearch     Method = "hybrid_search"
	EntityLookup     Method = "entity_lookup"
	EmotionAnalysis  Method = "emotion_analysis"
)

// Strategy says whether plans run concurrently or one after another.
type Strategy string

const (
	Parallel   Strategy = "parallel"
	Sequential Strategy = "sequential"
)

// Parameter invariants. Out-of-range values are clamped, never surfaced.
const (
	DefaultThreshold = 0.7
	MinThreshold     = 0.1
	MaxThreshold     = 1.0

	DefaultMaxResults = 10
	MinResults        = 1
	MaxResults        = 50
)

// Declared per-method cost model in milliseconds. Used only for the
// parallel-vs-sequential decision, never measured at runtime.
var estimatedCostMs = map[Method]int{
	VectorSimilarity: 1500,
	SQLQuery:         800,
	HybridSearch:     2300,
	EntityLookup:     600,
	EmotionAnalysis:  1500,
}

// Budget is the caller-supplied performance envelope for one run.
type Budget struct {
	MaxLatencyMs int
	MaxParallel  int
}

// Parameters are the retrieval knobs for one plan.
type Parameters struct {
	SimilarityThreshold float64
	MaxResults          int
	TimeFilter          *retrieval.TimeRange
	Filters             []string
}

// Plan is the executable recipe for one sub-question.
type Plan struct {
	ID             string
	SubQuestion    decompose.SubQuestion
	Method         Method
	Params         Parameters
	FallbackMethod Method
	EstimatedMs    int
	CacheKey       string

	// SQL carries the generated query text for sql_query and hybrid_search
	// plans; Args its bound parameters after the implicit leading owner
	// placeholder.
	SQL  string
	Args []any
}

// Pipeline is the full execution recipe for one question.
type Pipeline struct {
	Plans    []Plan
	Strategy Strategy
}

// Build produces one Plan per SubQuestion plus the pipeline strategy.
func Build(subs []decompose.SubQuestion, cls classify.Result, budget Budget) Pipeline {
	plans := make([]Plan, 0, len(subs))
	totalMs := 0

	for i, sub := range subs {
		p := buildPlan(i, sub, cls)
		totalMs += p.EstimatedMs
		plans = append(plans, p)
	}

	strategy := Sequential
	if totalMs > budget.MaxLatencyMs && len(plans) > 1 {
		strategy = Parallel
	}

	return Pipeline{Plans: plans, Strategy: strategy}
}

func buildPlan(idx int, sub decompose.SubQuestion, cls classify.Result) Plan {
	method := methodFor(sub, cls)

	params := Parameters{
		SimilarityThreshold: clampFloat(DefaultThreshold, MinThreshold, MaxThreshold),
		MaxResults:          clampInt(DefaultMaxResults, MinResults, MaxResults),
	}
	if cls.TimeRange != nil {
		params.TimeFilter = &retrieval.TimeRange{Start: cls.TimeRange.Start, End: cls.TimeRange.End}
	}
	if method == EmotionAnalysis {
		for _, e := range cls.Emotions {
			params.Filters = append(params.Filters, "emotion:"+e)
		}
	}

	p := Plan{
		ID:             fmt.Sprintf("sq-%d", idx+1),
		SubQuestion:    sub,
		Method:         method,
		Params:         params,
		FallbackMethod: fallbackFor(method),
		EstimatedMs:    estimatedCostMs[method],
	}

	if method == SQLQuery || method == HybridSearch {
		p.SQL, p.Args = generateSQL(sub, params)
	}

	p.CacheKey = cacheKey(sub.Text, method, params)
	return p
}

// methodFor maps the suggested strategy to a concrete method. An emotional
// sub-question upgrades to emotion analysis when at least one target emotion
// is resolvable from the classification.
func methodFor(sub decompose.SubQuestion, cls classify.Result) Method {
	if sub.Type == decompose.Emotional && len(cls.Emotions) > 0 {
		return EmotionAnalysis
	}
	switch sub.SuggestedStrategy {
	case decompose.StrategySQL:
		return SQLQuery
	case decompose.StrategyHybrid:
		return HybridSearch
	default:
		return VectorSimilarity
	}
}

// fallbackFor names the method the execution engine degrades to when the
// primary fails. Vector similarity falls back to the plain recent listing.
func fallbackFor(m Method) Method {
	if m == VectorSimilarity {
		return EntityLookup
	}
	return VectorSimilarity
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
