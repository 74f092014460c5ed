// ============================================================================
// Worker - 任務執行單元
// ============================================================================
//
// 每個 Worker 在獨立 goroutine 中執行：
//   1. 從 taskCh 接收任務（阻塞等待）
//   2. 以帶超時的 Context 執行 handler
//   3. 將結果送到 resultCh
//   4. 直到 taskCh 關閉
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	handler  Handler
	log      zerolog.Logger
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, handler Handler, log zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		handler:  handler,
		log:      log.With().Int("worker", id).Logger(),
	}
}

// Run is the main loop of Worker. Results are never dropped: the pool sizes
// resultCh or the caller drains it.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		w.resultCh <- w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task Task) Result {
	start := time.Now()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	var (
		res = Result{Dir: task.Dir}
		err error
	)
	if err = ctx.Err(); err == nil {
		res.Report, err = w.handler(ctx, task)
	}
	res.Err = err
	res.Duration = time.Since(start)

	if err != nil {
		w.log.Error().Err(err).Str("dir", task.Dir.Path).Msg("Task failed")
	} else {
		w.log.Debug().Str("dir", task.Dir.Path).Dur("duration", res.Duration).Msg("Task done")
	}
	return res
}
