// Package rerank re-scores retrieved journal chunks by query relevance using
// the completion service. Scoring is best effort: on timeout or failure the
// original order comes back unchanged.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soulo/insight/internal/llm"
	"github.com/soulo/insight/internal/retrieval"
)

const (
	defaultConcurrency = 3
	scoreMaxTokens     = 50
)

// Reranker re-scores retrieved matches for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, matches []retrieval.Match) []retrieval.Match
}

// New returns a model-backed reranker when enabled, a pass-through otherwise.
func New(completer llm.CompletionClient, enabled bool, timeout time.Duration, threshold float64, logger *slog.Logger) Reranker {
	if !enabled {
		return NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ModelReranker{
		completer: completer,
		timeout:   timeout,
		threshold: threshold,
		logger:    logger,
	}
}

// ModelReranker scores (query, chunk) pairs concurrently, bounded to
// defaultConcurrency in-flight calls, filters by threshold, and sorts by
// score descending.
type ModelReranker struct {
	completer llm.CompletionClient
	timeout   time.Duration
	threshold float64
	logger    *slog.Logger
}

// Rerank never fails: if the timeout fires before scoring completes, the
// original match order is returned unchanged.
func (r *ModelReranker) Rerank(ctx context.Context, query string, matches []retrieval.Match) []retrieval.Match {
	if len(matches) == 0 {
		return matches
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Buffered so goroutines never block on send after the collector stops.
	results := make(chan retrieval.Match, len(matches))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, m := range matches {
		wg.Add(1)
		go func(match retrieval.Match) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scoreMatch(ctx, query, match)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Debug("rerank score failed, retaining original", "error", err)
				results <- match
				return
			}
			match.Score = float32(score)
			results <- match
		}(m)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]retrieval.Match, 0, len(matches))
collect:
	for {
		select {
		case m, ok := <-results:
			if !ok {
				break collect
			}
			scored = append(scored, m)
		case <-ctx.Done():
			return matches
		}
	}

	if len(scored) == 0 {
		return matches
	}

	filtered := make([]retrieval.Match, 0, len(scored))
	for _, m := range scored {
		if float64(m.Score) >= r.threshold {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return matches
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	return filtered
}

func (r *ModelReranker) scoreMatch(ctx context.Context, query string, match retrieval.Match) (float64, error) {
	prompt := "Rate the relevance of the following journal text to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Text: " + match.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.completer.Complete(ctx, "", prompt, scoreMaxTokens)
	if err != nil {
		return float64(match.Score), err
	}

	score, parseErr := parseScore(resp, match.Score)
	if parseErr != nil {
		r.logger.Debug("rerank parse failed, using original score", "resp", resp, "error", parseErr)
		return float64(match.Score), nil
	}
	return score, nil
}

// parseScore extracts the relevance score from model output, tolerating code
// fences and conversational filler. On failure the original score comes back
// so the match is not penalised.
func parseScore(resp string, originalScore float32) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return float64(originalScore), fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return float64(originalScore), fmt.Errorf("unmarshal score: %w", err)
	}
	return obj.Score, nil
}

// NoOp passes matches through unchanged. Used when reranking is disabled.
type NoOp struct{}

func (NoOp) Rerank(_ context.Context, _ string, matches []retrieval.Match) []retrieval.Match {
	return matches
}
