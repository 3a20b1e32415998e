// Package orchestrate is the public entry point of the query engine: one
// Question plus a performance budget in, one consolidated Answer out. Run
// never returns an error; every internal failure resolves to a degraded but
// usable answer.
package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soulo/insight/internal/classify"
	"github.com/soulo/insight/internal/consolidate"
	"github.com/soulo/insight/internal/decompose"
	"github.com/soulo/insight/internal/execute"
	"github.com/soulo/insight/internal/plan"
	"github.com/soulo/insight/internal/rerank"
	"github.com/soulo/insight/internal/storage"
)

// maxTurns bounds the conversation window carried into a run.
const maxTurns = 10

// Question is the immutable input for one run.
type Question struct {
	Text           string
	ConversationID string
	OwnerID        string
	Turns          []consolidate.Turn
	AskedAt        time.Time
}

// Budget is the caller's performance envelope.
type Budget = plan.Budget

// ResultCache memoizes execution results under the planner's cache key.
// Implemented by qcache.Cache; a nil interface disables caching.
type ResultCache interface {
	Get(ctx context.Context, key string) (execute.Result, bool)
	Set(ctx context.Context, key string, res execute.Result)
}

// QueryLog records run analytics. Implemented by storage.Store.
type QueryLog interface {
	SaveQueryLog(rec storage.QueryLogRecord) error
}

// Orchestrator wires the five pipeline stages together.
type Orchestrator struct {
	engine       *execute.Engine
	consolidator *consolidate.Consolidator
	reranker     rerank.Reranker
	cache        ResultCache
	queryLog     QueryLog
	metrics      MetricsSink
	logger       *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

func WithCache(c ResultCache) Option { return func(o *Orchestrator) { o.cache = c } }
func WithQueryLog(q QueryLog) Option { return func(o *Orchestrator) { o.queryLog = q } }
func WithMetrics(m MetricsSink) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithReranker(r rerank.Reranker) Option { return func(o *Orchestrator) { o.reranker = r } }

func New(engine *execute.Engine, consolidator *consolidate.Consolidator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:       engine,
		consolidator: consolidator,
		metrics:      NopMetrics{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full pipeline for one question. The budget's MaxLatencyMs
// becomes the run deadline; the terminal retrieval fallback and the analytics
// side effect are exempt from it.
func (o *Orchestrator) Run(ctx context.Context, q Question, budget Budget) consolidate.Answer {
	started := time.Now()
	now := q.AskedAt
	if now.IsZero() {
		now = started
	}
	if budget.MaxLatencyMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(budget.MaxLatencyMs)*time.Millisecond)
		defer cancel()
	}

	cls := classify.Classify(q.Text, now)
	if cls.Unrelated {
		o.logger.Debug("question outside corpus scope", "conversation", q.ConversationID)
		answer := unrelatedAnswer()
		o.finish(q, cls, "", 0, answer, started)
		return answer
	}

	subs := decompose.Decompose(q.Text, cls)
	pipeline := plan.Build(subs, cls, budget)

	results := o.executeAll(ctx, pipeline, budget, execute.Request{OwnerID: q.OwnerID, Now: now})

	paired := make([]consolidate.SubResult, len(pipeline.Plans))
	for i, p := range pipeline.Plans {
		res := results[i]
		if o.reranker != nil && len(res.Records) > 1 {
			res.Records = o.reranker.Rerank(ctx, p.SubQuestion.Text, res.Records)
		}
		paired[i] = consolidate.SubResult{Plan: p, Result: res}
	}

	turns := q.Turns
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	answer := o.consolidator.Consolidate(ctx, consolidate.Input{
		Question: q.Text,
		Turns:    turns,
		Results:  paired,
	})

	o.finish(q, cls, string(pipeline.Strategy), len(pipeline.Plans), answer, started)
	return answer
}

// executeAll runs every plan, in parallel when the pipeline says so, and
// returns results indexed by plan position so priority order survives
// concurrency.
func (o *Orchestrator) executeAll(ctx context.Context, pipeline plan.Pipeline, budget Budget, req execute.Request) []execute.Result {
	results := make([]execute.Result, len(pipeline.Plans))

	runOne := func(i int, p plan.Plan) {
		if cached, ok := o.cacheGet(ctx, p.CacheKey); ok {
			o.logger.Debug("plan served from cache", "plan", p.ID)
			results[i] = cached
			return
		}
		res := o.engine.Execute(ctx, p, req)
		results[i] = res
		o.cacheSet(ctx, p.CacheKey, res)
	}

	if pipeline.Strategy == plan.Parallel {
		var g errgroup.Group
		limit := budget.MaxParallel
		if limit < 1 {
			limit = 1
		}
		g.SetLimit(limit)
		for i, p := range pipeline.Plans {
			g.Go(func() error {
				runOne(i, p)
				return nil
			})
		}
		// Workers never return errors; Wait only fences completion.
		_ = g.Wait()
		return results
	}

	for i, p := range pipeline.Plans {
		runOne(i, p)
	}
	return results
}

func (o *Orchestrator) cacheGet(ctx context.Context, key string) (execute.Result, bool) {
	if o.cache == nil {
		return execute.Result{}, false
	}
	return o.cache.Get(ctx, key)
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, res execute.Result) {
	if o.cache == nil {
		return
	}
	o.cache.Set(context.WithoutCancel(ctx), key, res)
}

// finish emits metrics and the fire-and-forget analytics record.
func (o *Orchestrator) finish(q Question, cls classify.Result, strategy string, planCount int, answer consolidate.Answer, started time.Time) {
	duration := time.Since(started)
	o.metrics.ObserveRun(RunMetrics{
		Complexity: string(cls.Complexity),
		Strategy:   strategy,
		PlanCount:  planCount,
		Degraded:   answer.Degraded,
		Unrelated:  cls.Unrelated,
		Duration:   duration,
	})

	if o.queryLog == nil {
		return
	}
	rec := storage.QueryLogRecord{
		ID:           uuid.NewString(),
		OwnerID:      q.OwnerID,
		QuestionHash: hashQuestion(q.Text),
		Complexity:   string(cls.Complexity),
		Strategy:     strategy,
		Degraded:     answer.Degraded,
		DurationMs:   duration.Milliseconds(),
		CreatedAt:    started.UTC(),
	}
	go func() {
		if err := o.queryLog.SaveQueryLog(rec); err != nil {
			o.logger.Debug("query log write failed", "error", err)
		}
	}()
}

func hashQuestion(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// unrelatedAnswer is the short circuit for questions the corpus cannot
// answer.
func unrelatedAnswer() consolidate.Answer {
	return consolidate.Answer{
		StatusSummary: "Question is outside journal scope",
		AnswerText:    "That question doesn't seem to be about your journal. Try asking about your own entries, moods, or habits.",
		Degraded:      false,
	}
}
