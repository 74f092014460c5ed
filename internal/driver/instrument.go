package driver

import (
	"context"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// timed records latency and outcome of every evaluation.
type timed struct {
	next    evaluator.Evaluator
	metrics *metrics.Collector
}

func instrument(eval evaluator.Evaluator, m *metrics.Collector) evaluator.Evaluator {
	if m == nil {
		return eval
	}
	return timed{next: eval, metrics: m}
}

func (t timed) Evaluate(ctx context.Context, s *types.Structure) (evaluator.Result, error) {
	start := time.Now()
	res, err := t.next.Evaluate(ctx, s)
	t.metrics.RecordEvaluation(time.Since(start), err)
	return res, err
}
