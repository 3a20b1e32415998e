package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/soulo/insight/internal/classify"
	"github.com/soulo/insight/internal/decompose"
	"github.com/soulo/insight/internal/retrieval"
)

var testNow = time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)

func classifyAndDecompose(t *testing.T, text string) (classify.Result, []decompose.SubQuestion) {
	t.Helper()
	cls := classify.Classify(text, testNow)
	return cls, decompose.Decompose(text, cls)
}

func TestBuild_ScenarioWorkLastMonth(t *testing.T) {
	cls, subs := classifyAndDecompose(t, "How many times did I mention work last month?")

	pipe := Build(subs, cls, Budget{MaxLatencyMs: 10000, MaxParallel: 3})
	if len(pipe.Plans) == 0 {
		t.Fatal("no plans built")
	}
	if pipe.Plans[0].Method != SQLQuery {
		t.Errorf("primary method = %s, want sql_query", pipe.Plans[0].Method)
	}
	if pipe.Plans[0].SQL == "" {
		t.Error("sql_query plan has no generated SQL")
	}
	if !strings.Contains(strings.ToLower(pipe.Plans[0].SQL), "owner_id = ?") {
		t.Errorf("generated SQL not owner-scoped: %s", pipe.Plans[0].SQL)
	}
	if pipe.Plans[0].Params.TimeFilter == nil {
		t.Error("time filter missing on plan")
	}
}

func TestBuild_HybridPlanCarriesSQL(t *testing.T) {
	sub := decompose.SubQuestion{
		Text:              "How does my mood compare between work days and weekends?",
		Type:              decompose.Comparative,
		SuggestedStrategy: decompose.StrategyHybrid,
	}

	pipe := Build([]decompose.SubQuestion{sub}, classify.Result{}, Budget{MaxLatencyMs: 10000, MaxParallel: 2})
	p := pipe.Plans[0]
	if p.Method != HybridSearch {
		t.Fatalf("method = %s, want hybrid_search", p.Method)
	}
	if p.SQL == "" {
		t.Error("hybrid plan has no generated SQL for its structured half")
	}
	if !strings.Contains(strings.ToLower(p.SQL), "owner_id = ?") {
		t.Errorf("generated SQL not owner-scoped: %s", p.SQL)
	}
}

func TestBuild_ParameterInvariants(t *testing.T) {
	cls, subs := classifyAndDecompose(t, "What did I write about the garden?")

	pipe := Build(subs, cls, Budget{MaxLatencyMs: 5000, MaxParallel: 2})
	for _, p := range pipe.Plans {
		if p.Params.SimilarityThreshold < MinThreshold || p.Params.SimilarityThreshold > MaxThreshold {
			t.Errorf("threshold %v outside [%v, %v]", p.Params.SimilarityThreshold, MinThreshold, MaxThreshold)
		}
		if p.Params.MaxResults < MinResults || p.Params.MaxResults > MaxResults {
			t.Errorf("maxResults %d outside [%d, %d]", p.Params.MaxResults, MinResults, MaxResults)
		}
		if p.EstimatedMs <= 0 {
			t.Errorf("estimated cost %d, want positive", p.EstimatedMs)
		}
		if p.CacheKey == "" {
			t.Error("empty cache key")
		}
	}
}

func TestBuild_StrategyDecision(t *testing.T) {
	cls, subs := classifyAndDecompose(t, "Has my sleep improved over the past month?")
	if len(subs) < 2 {
		t.Fatalf("want multiple sub-questions, got %d", len(subs))
	}

	tight := Build(subs, cls, Budget{MaxLatencyMs: 1000, MaxParallel: 2})
	if tight.Strategy != Parallel {
		t.Errorf("tight budget strategy = %s, want parallel", tight.Strategy)
	}

	loose := Build(subs, cls, Budget{MaxLatencyMs: 60000, MaxParallel: 2})
	if loose.Strategy != Sequential {
		t.Errorf("loose budget strategy = %s, want sequential", loose.Strategy)
	}

	single := Build(subs[:1], cls, Budget{MaxLatencyMs: 1, MaxParallel: 2})
	if single.Strategy != Sequential {
		t.Errorf("single plan strategy = %s, want sequential", single.Strategy)
	}
}

func TestBuild_EmotionUpgrade(t *testing.T) {
	cls, subs := classifyAndDecompose(t, "Why have I been feeling so anxious about work lately and what helps?")

	found := false
	pipe := Build(subs, cls, Budget{MaxLatencyMs: 10000, MaxParallel: 3})
	for _, p := range pipe.Plans {
		if p.SubQuestion.Type != decompose.Emotional {
			continue
		}
		found = true
		if p.Method != EmotionAnalysis {
			t.Errorf("emotional sub-question method = %s, want emotion_analysis", p.Method)
		}
		if len(p.Params.Filters) == 0 || p.Params.Filters[0] != "emotion:anxious" {
			t.Errorf("filters = %v, want [emotion:anxious ...]", p.Params.Filters)
		}
	}
	if !found {
		t.Skip("decomposition produced no emotional sub-question")
	}
}

func TestCacheKey_PureFunction(t *testing.T) {
	params := Parameters{SimilarityThreshold: 0.7, MaxResults: 10}

	a := cacheKey("how was my sleep", VectorSimilarity, params)
	b := cacheKey("how was my sleep", VectorSimilarity, params)
	if a != b {
		t.Errorf("equal inputs gave different keys: %s vs %s", a, b)
	}

	if c := cacheKey("how was my sleep", HybridSearch, params); c == a {
		t.Error("method change did not change the key")
	}

	params2 := params
	params2.MaxResults = 11
	if c := cacheKey("how was my sleep", VectorSimilarity, params2); c == a {
		t.Error("maxResults change did not change the key")
	}

	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	params3 := params
	params3.TimeFilter = &retrieval.TimeRange{Start: start, End: start.AddDate(0, 1, 0)}
	if c := cacheKey("how was my sleep", VectorSimilarity, params3); c == a {
		t.Error("time filter change did not change the key")
	}

	params4 := params
	params4.Filters = []string{"emotion:calm"}
	if c := cacheKey("how was my sleep", VectorSimilarity, params4); c == a {
		t.Error("filter change did not change the key")
	}
}

func TestGenerateSQL_TemporalGroupsByMonth(t *testing.T) {
	sub := decompose.SubQuestion{
		Text:              "How often was sleep mentioned in each period?",
		Type:              decompose.Temporal,
		SuggestedStrategy: decompose.StrategySQL,
	}
	sqlText, args := generateSQL(sub, Parameters{})

	if !strings.Contains(sqlText, "GROUP BY month") {
		t.Errorf("temporal SQL missing GROUP BY: %s", sqlText)
	}
	if !strings.Contains(sqlText, "owner_id = ?") {
		t.Errorf("SQL not owner-scoped: %s", sqlText)
	}
	if len(args) == 0 {
		t.Error("topic pattern args missing")
	}
}
