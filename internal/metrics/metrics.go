// ============================================================================
// adsorbflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露流水線運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - adsorbflow_structures_enumerated_total: 枚舉寫入的結構數
//      - adsorbflow_structures_sampled_total: 抽樣寫入的結構數
//      - adsorbflow_evaluations_total: evaluator 調用次數
//      - adsorbflow_evaluation_failures_total: evaluator 失敗次數
//      - adsorbflow_skipped_total{reason}: 已計算 / 已被保留而跳過的 id
//      - adsorbflow_dataset_frames_total: 寫入訓練資料集的幀數
//      - adsorbflow_dataset_skipped_total{reason}: 資料集建構時跳過的軌跡
//
//   2. 分佈 (Histogram):
//      - adsorbflow_optimizer_steps: 每個結構的優化步數
//      - adsorbflow_evaluation_seconds: 單次 evaluator 延遲
//
//   3. 瞬時值 (Gauge):
//      - adsorbflow_shard_resume_offset: 最近一次 shard 恢復時跳過的 id 數
//
// Collector 的方法對 nil receiver 安全, 未啟用監控時元件可直接傳 nil.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons
const (
	SkipComputed = "computed"
	SkipReserved = "reserved"
)

// Collector Prometheus 指標收集器
type Collector struct {
	enumerated   prometheus.Counter
	sampled      prometheus.Counter
	evaluations  prometheus.Counter
	evalFailures prometheus.Counter
	skipped      *prometheus.CounterVec

	datasetFrames  prometheus.Counter
	datasetSkipped *prometheus.CounterVec

	optimizerSteps prometheus.Histogram
	evalLatency    prometheus.Histogram

	resumeOffset prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enumerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsorbflow_structures_enumerated_total",
			Help: "Total number of enumerated structures written to a store",
		}),
		sampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsorbflow_structures_sampled_total",
			Help: "Total number of sampled structures written to a store",
		}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsorbflow_evaluations_total",
			Help: "Total number of evaluator calls",
		}),
		evalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsorbflow_evaluation_failures_total",
			Help: "Total number of evaluator calls that returned an error",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsorbflow_skipped_total",
			Help: "Ids skipped because they were already computed or reserved",
		}, []string{"reason"}),
		datasetFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsorbflow_dataset_frames_total",
			Help: "Total number of frames written to a training dataset",
		}),
		datasetSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsorbflow_dataset_skipped_total",
			Help: "Trajectories left out of a training dataset",
		}, []string{"reason"}),
		optimizerSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsorbflow_optimizer_steps",
			Help:    "Optimizer steps per relaxed structure",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsorbflow_evaluation_seconds",
			Help:    "Evaluator call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		resumeOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adsorbflow_shard_resume_offset",
			Help: "Ids skipped at the start of the last resumed shard",
		}),
	}

	reg.MustRegister(
		c.enumerated, c.sampled, c.evaluations, c.evalFailures, c.skipped,
		c.datasetFrames, c.datasetSkipped,
		c.optimizerSteps, c.evalLatency, c.resumeOffset,
	)
	return c
}

// RecordEnumerated 記錄枚舉寫入
func (c *Collector) RecordEnumerated(n int) {
	if c == nil {
		return
	}
	c.enumerated.Add(float64(n))
}

// RecordSampled 記錄抽樣寫入
func (c *Collector) RecordSampled(n int) {
	if c == nil {
		return
	}
	c.sampled.Add(float64(n))
}

// RecordEvaluation 記錄一次 evaluator 調用
func (c *Collector) RecordEvaluation(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.evaluations.Inc()
	c.evalLatency.Observe(d.Seconds())
	if err != nil {
		c.evalFailures.Inc()
	}
}

// RecordSkipped 記錄跳過的 id
func (c *Collector) RecordSkipped(reason string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(reason).Inc()
}

// RecordDatasetFrames 記錄寫入資料集的幀
func (c *Collector) RecordDatasetFrames(n int) {
	if c == nil {
		return
	}
	c.datasetFrames.Add(float64(n))
}

// RecordDatasetSkipped 記錄被跳過的軌跡
func (c *Collector) RecordDatasetSkipped(reason string) {
	if c == nil {
		return
	}
	c.datasetSkipped.WithLabelValues(reason).Inc()
}

// RecordRelaxation 記錄一次結構弛豫的步數
func (c *Collector) RecordRelaxation(steps int) {
	if c == nil {
		return
	}
	c.optimizerSteps.Observe(float64(steps))
}

// SetResumeOffset 設置 shard 恢復偏移
func (c *Collector) SetResumeOffset(n int64) {
	if c == nil {
		return
	}
	c.resumeOffset.Set(float64(n))
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
