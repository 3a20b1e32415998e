package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soulo/insight/internal/llm"
	"github.com/soulo/insight/internal/plan"
	"github.com/soulo/insight/internal/retrieval"
)

// ladderThresholds are the similarity floors tried, in order, once the plan's
// primary method has come up empty. They only ever decrease.
var ladderThresholds = [3]float32{0.25, 0.20, 0.15}

// terminalListingLimit caps the unfiltered recent listing used as the last
// rung of the ladder.
const terminalListingLimit = 30

// Embedder turns query text into a vector. Satisfied by retrieval.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the outcome of executing one plan. Records holds scored snippet
// matches, Rows holds structured query rows; either may be empty. MethodUsed
// names the method that actually produced the data. ErrNote is set only when
// the terminal step itself failed; a result with records never carries one.
type Result struct {
	PlanID     string
	Records    []retrieval.Match
	Rows       []retrieval.Row
	MethodUsed plan.Method
	Fallback   bool
	ErrNote    string
}

// Empty reports whether the result carries no data at all.
func (r Result) Empty() bool {
	return len(r.Records) == 0 && len(r.Rows) == 0
}

// Request carries the per-question execution scope.
type Request struct {
	OwnerID string
	Now     time.Time
}

// Engine runs plans against the store, descending the fallback ladder until a
// step yields data or the ladder is exhausted.
type Engine struct {
	store    retrieval.Store
	embedder Embedder
	logger   *slog.Logger
}

func NewEngine(store retrieval.Store, embedder Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: embedder, logger: logger}
}

// Execute runs a single plan. It always returns a usable Result; only a
// failure of the terminal listing sets ErrNote. An unavailable embedder
// counts as a failed retrieval attempt, so a structured query that merely
// came up empty still descends to the terminal listing in that case.
func (e *Engine) Execute(ctx context.Context, p plan.Plan, req Request) Result {
	res := Result{PlanID: p.ID, MethodUsed: p.Method}
	allErred := true

	// Step 1: structured query, with one rewrite attempt on validation
	// failure.
	if p.SQL != "" && (p.Method == plan.SQLQuery || p.Method == plan.HybridSearch) {
		rows, err := e.runStructured(ctx, p, req.OwnerID)
		if err == nil {
			allErred = false
			if len(rows) > 0 && p.Method == plan.SQLQuery {
				res.Rows = rows
				res.MethodUsed = plan.SQLQuery
				return res
			}
			res.Rows = rows
		} else {
			e.logger.Warn("structured query failed", "plan", p.ID, "error", err)
		}
	}

	// Steps 2-4 need an embedding of the sub-question text.
	vector, embErr := e.embedQuery(ctx, p)
	if embErr != nil {
		if !errors.Is(embErr, llm.ErrEmbeddingUnavailable) {
			e.logger.Warn("query embedding failed", "plan", p.ID, "error", embErr)
		}
	} else {
		matches, attempted, err := e.vectorLadder(ctx, p, req, vector)
		if attempted && err == nil {
			allErred = false
		}
		if len(matches) > 0 {
			res.Records = matches
			if isVectorPrimary(p.Method) {
				res.MethodUsed = p.Method
			} else {
				res.MethodUsed = plan.VectorSimilarity
				res.Fallback = true
			}
			return res
		}
	}

	if !res.Empty() {
		// Hybrid that produced structured rows but no vector matches still
		// counts as data.
		res.MethodUsed = p.Method
		return res
	}

	// Terminal fallback only when every attempt above failed outright.
	// Merely-empty steps end the ladder with an empty, error-free result,
	// still marked as fallback when the recorded method is not the plan's.
	if !allErred && embErr == nil {
		res.MethodUsed = lastAttemptedMethod(p)
		res.Fallback = res.MethodUsed != p.Method
		return res
	}

	return e.terminalListing(ctx, p, req, res)
}

// runStructured validates, and if needed rewrites, the plan's query text
// before handing it to the store.
func (e *Engine) runStructured(ctx context.Context, p plan.Plan, ownerID string) ([]retrieval.Row, error) {
	sqlText := p.SQL
	if err := validateSQL(sqlText); err != nil {
		rewritten := rewriteSQL(sqlText)
		if err2 := validateSQL(rewritten); err2 != nil {
			return nil, fmt.Errorf("validate query: %w", err)
		}
		e.logger.Debug("rewrote structured query", "plan", p.ID, "reason", err)
		sqlText = rewritten
	}
	rows, err := e.store.StructuredQuery(ctx, sqlText, p.Args, ownerID)
	if err != nil {
		return nil, fmt.Errorf("structured query: %w", err)
	}
	return rows, nil
}

// embedQuery embeds the sub-question text, folding emotion filters into the
// query for emotion_analysis plans so the vector leans toward feeling-laden
// chunks.
func (e *Engine) embedQuery(ctx context.Context, p plan.Plan) ([]float32, error) {
	text := p.SubQuestion.Text
	if p.Method == plan.EmotionAnalysis {
		for _, f := range p.Params.Filters {
			if label, ok := strings.CutPrefix(f, "emotion:"); ok {
				text += " feeling " + label
			}
		}
	}
	return e.embedder.Embed(ctx, text)
}

// vectorLadder tries the plan's own threshold first (when vector search is the
// primary method), then the fixed descending floors, widening the time window
// at the lowest floor and finally dropping the window entirely. It reports
// whether any search was attempted and the last error seen.
func (e *Engine) vectorLadder(ctx context.Context, p plan.Plan, req Request, vector []float32) ([]retrieval.Match, bool, error) {
	limit := p.Params.MaxResults
	window := p.Params.TimeFilter

	thresholds := ladderThresholds[:]
	if planTh := float32(p.Params.SimilarityThreshold); isVectorPrimary(p.Method) && planTh > ladderThresholds[0] {
		thresholds = append([]float32{planTh}, thresholds...)
	}

	attempted := false
	var lastErr error
	for _, th := range thresholds {
		matches, err := e.store.VectorSearch(ctx, vector, th, limit, req.OwnerID, window)
		attempted = true
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		if len(matches) > 0 {
			return matches, attempted, nil
		}
	}

	floor := ladderThresholds[len(ladderThresholds)-1]

	// Widen the window before abandoning it: double the span, then fall
	// back to a trailing 30 days.
	if window != nil {
		widened := window.Widen()
		for _, w := range []*retrieval.TimeRange{&widened, trailingWindow(req.Now, 30)} {
			matches, err := e.store.VectorSearch(ctx, vector, floor, limit, req.OwnerID, w)
			attempted = true
			if err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			if len(matches) > 0 {
				return matches, attempted, nil
			}
		}
	}

	// Last vector rung: no time filter at the lowest floor.
	_ = lastErr
	matches, err := e.store.VectorSearch(ctx, vector, floor, limit, req.OwnerID, nil)
	attempted = true
	if err != nil {
		return nil, attempted, err
	}
	return matches, attempted, nil
}

// terminalListing returns the unfiltered recent listing. It runs outside the
// caller's deadline because it must not fail for deadline reasons after every
// retrieval attempt already has.
func (e *Engine) terminalListing(ctx context.Context, p plan.Plan, req Request, res Result) Result {
	detached := context.WithoutCancel(ctx)
	matches, err := e.store.RecentEntries(detached, req.OwnerID, terminalListingLimit)
	if err != nil {
		e.logger.Error("terminal listing failed", "plan", p.ID, "error", err)
		res.ErrNote = fmt.Sprintf("recent listing: %v", err)
		res.MethodUsed = plan.EntityLookup
		res.Fallback = true
		return res
	}
	res.Records = matches
	res.MethodUsed = plan.EntityLookup
	res.Fallback = true
	res.ErrNote = ""
	return res
}

func isVectorPrimary(m plan.Method) bool {
	return m == plan.VectorSimilarity || m == plan.EmotionAnalysis || m == plan.HybridSearch
}

func lastAttemptedMethod(p plan.Plan) plan.Method {
	if isVectorPrimary(p.Method) {
		return p.Method
	}
	return plan.VectorSimilarity
}

func trailingWindow(now time.Time, days int) *retrieval.TimeRange {
	end := now.Add(24 * time.Hour)
	return &retrieval.TimeRange{Start: end.AddDate(0, 0, -days), End: end}
}

