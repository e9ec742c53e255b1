package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the analyses one batch runs at once.
const DefaultBatchConcurrency = 8

// BatchItem is the outcome of one request in a batch. Exactly one of
// Outcome and Err is set.
type BatchItem struct {
	Outcome *Outcome
	Err     error
}

// EvaluateBatch runs independent Evaluate calls with at most limit in
// flight and returns one item per request, in request order. A failed item
// never stops the others.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []*AnalyzeRequest, limit int) []BatchItem {
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	items := make([]BatchItem, len(reqs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			out, err := e.Evaluate(ctx, req)
			items[i] = BatchItem{Outcome: out, Err: err}
			return nil
		})
	}
	g.Wait()
	return items
}
