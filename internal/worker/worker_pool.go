// ============================================================================
// Worker Pool - 並發鬆弛多個工作目錄
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │  RelaxAll   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成，關閉 resultCh
//
// 並發控制:
//   - Submit 持有讀鎖直到送出，Stop 取得寫鎖後才關閉 taskCh
//     因此不會向已關閉的 channel 發送
//   - WaitGroup 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/adsorbflow/internal/driver"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/rs/zerolog"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	handler  Handler
	log      zerolog.Logger
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.RWMutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handler: 每個任務的執行邏輯
func NewPool(bufferSize int, handler Handler, logger zerolog.Logger) *Pool {
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		handler:  handler,
		log:      logger.With().Str("component", "worker").Logger(),
	}
}

// Start 啟動指定數量的 Worker; ctx 取消時執行中的任務會收到取消訊號
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.handler, p.log)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.started = true
	p.log.Debug().Int("workers", workerCount).Msg("Pool started")
	return nil
}

// Submit 提交任務; 緩衝已滿時阻塞直到有 Worker 取走任務
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// ReceiveResult 從結果通道接收執行結果; Stop 之後仍可讀完剩餘結果
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌，關閉 taskCh
//  2. 等待所有 Worker 完成當前任務
//  3. 關閉 resultCh
//
// Stop 會等 Worker 把結果送出, 因此 resultCh 緩衝不足時呼叫端需要同時讀取結果
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// ============================================================================
// 批次鬆弛
// ============================================================================

// RelaxHandler relaxes the task's directory with eval.
func RelaxHandler(eval evaluator.Evaluator, opts driver.DirOptions) Handler {
	return func(ctx context.Context, task Task) (driver.DirReport, error) {
		o := opts
		o.Restart = o.Restart || task.Restart
		return driver.RelaxDir(ctx, task.Dir, eval, o)
	}
}

// RelaxAll runs handler over every directory with workerCount workers and
// returns the results ordered like dirs. The returned error joins every
// task failure.
func RelaxAll(ctx context.Context, dirs []workdir.Dir, workerCount int, handler Handler, logger zerolog.Logger) ([]Result, error) {
	pool := NewPool(len(dirs), handler, logger)
	if err := pool.Start(ctx, workerCount); err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := pool.Submit(Task{Dir: d}); err != nil {
			pool.Stop()
			return nil, err
		}
	}
	pool.Stop()

	index := make(map[string]int, len(dirs))
	for i, d := range dirs {
		index[d.Path] = i
	}
	results := make([]Result, 0, len(dirs))
	var errs []error
	for {
		r, err := pool.ReceiveResult()
		if errors.Is(err, ErrPoolClosed) {
			break
		}
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return index[results[i].Dir.Path] < index[results[j].Dir.Path] })
	return results, errors.Join(errs...)
}
