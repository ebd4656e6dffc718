package agents

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"vn-autotrader/internal/models"
)

// ScanResult is the outcome of one symbol's round in a Scan.
type ScanResult struct {
	Symbol  string          `json:"symbol"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Scan runs one consensus round per context, at most limit at a time, and
// ranks the results: actionable verdicts first, then by confidence. A
// failed round is reported in its result and does not stop the others.
// When a symbol appears more than once the last context wins.
func (c *Coordinator) Scan(ctx context.Context, contexts []SignalContext, limit int) []ScanResult {
	index := make(map[string]int, len(contexts))
	var unique []SignalContext
	for _, sc := range contexts {
		if i, ok := index[sc.Symbol]; ok {
			unique[i] = sc
			continue
		}
		index[sc.Symbol] = len(unique)
		unique = append(unique, sc)
	}

	results := make([]ScanResult, len(unique))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, sc := range unique {
		i, sc := i, sc
		g.Go(func() error {
			results[i].Symbol = sc.Symbol
			if err := ctx.Err(); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			v, err := c.Verdict(ctx, sc)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Verdict = v
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if (a.Verdict == nil) != (b.Verdict == nil) {
			return a.Verdict != nil
		}
		if a.Verdict == nil {
			return a.Symbol < b.Symbol
		}
		if a.Verdict.Actionable() != b.Verdict.Actionable() {
			return a.Verdict.Actionable()
		}
		if a.Verdict.Confidence != b.Verdict.Confidence {
			return a.Verdict.Confidence > b.Verdict.Confidence
		}
		return a.Symbol < b.Symbol
	})
	return results
}
