// ============================================================================
// vidgen-lane Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露執行通道的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - vidgen_jobs_submitted_total: 提交任務總數
//      - vidgen_jobs_admitted_total: 進入執行通道的任務總數
//      - vidgen_jobs_completed_total: 已完成任務總數
//      - vidgen_jobs_failed_total: 失敗任務總數（依失敗階段分類）
//      - vidgen_jobs_cancelled_total / deleted_total / swept_total
//      - vidgen_remote_polls_total: 遠端狀態查詢次數
//      - vidgen_artifacts_orphaned_total: 任務執行中被刪除而丟棄的影片數
//
//   2. 性能指標 (Histogram):
//      - vidgen_job_duration_seconds: 從進入通道到終止的時間
//
//   3. 狀態指標 (Gauge):
//      - vidgen_jobs_queued: 當前排隊任務數
//      - vidgen_jobs_active: 當前執行中任務數（0 或 1）
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(vidgen_jobs_failed_total[15m]) / rate(vidgen_jobs_admitted_total[15m])
//
//   # 排隊積壓
//   vidgen_jobs_queued
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus 指標收集器
//
// nil 的 *Collector 可安全呼叫所有方法（不記錄任何指標）
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsAdmitted  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobsCancelled prometheus.Counter
	jobsDeleted   prometheus.Counter
	jobsSwept     prometheus.Counter
	remotePolls   *prometheus.CounterVec
	orphaned      prometheus.Counter

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	jobsQueued prometheus.Gauge
	jobsActive prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_submitted_total",
			Help: "Total number of generation jobs submitted",
		}),
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_admitted_total",
			Help: "Total number of jobs admitted into the execution lane",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_jobs_failed_total",
			Help: "Total number of failed jobs by pipeline stage",
		}, []string{"stage"}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_cancelled_total",
			Help: "Total number of queued jobs cancelled",
		}),
		jobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_deleted_total",
			Help: "Total number of jobs deleted explicitly",
		}),
		jobsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_jobs_swept_total",
			Help: "Total number of terminal jobs evicted by retention sweeps",
		}),
		remotePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_remote_polls_total",
			Help: "Total number of remote status polls by outcome",
		}, []string{"outcome"}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidgen_artifacts_orphaned_total",
			Help: "Total number of downloaded artifacts discarded because their job was deleted",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vidgen_job_duration_seconds",
			Help:    "Time from admission to terminal state in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidgen_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidgen_jobs_active",
			Help: "Current number of active jobs",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsAdmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsDeleted,
		c.jobsSwept,
		c.remotePolls,
		c.orphaned,
		c.jobDuration,
		c.jobsQueued,
		c.jobsActive,
	)

	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordAdmit 記錄任務進入執行通道
func (c *Collector) RecordAdmit() {
	if c == nil {
		return
	}
	c.jobsAdmitted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄任務失敗
//
// stage: "submit", "poll", "remote", "download", "internal"
func (c *Collector) RecordFailed(stage string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(stage).Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancel 記錄取消
func (c *Collector) RecordCancel() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordDelete 記錄刪除
func (c *Collector) RecordDelete() {
	if c == nil {
		return
	}
	c.jobsDeleted.Inc()
}

// RecordSweep 記錄保留清理刪除的任務數
func (c *Collector) RecordSweep(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsSwept.Add(float64(n))
}

// RecordOrphaned 記錄執行中被刪除的任務（不算失敗）
func (c *Collector) RecordOrphaned() {
	if c == nil {
		return
	}
	c.orphaned.Inc()
}

// RecordPoll 記錄一次遠端查詢（outcome: "ok" 或 "error"）
func (c *Collector) RecordPoll(outcome string) {
	if c == nil {
		return
	}
	c.remotePolls.WithLabelValues(outcome).Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, active int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsActive.Set(float64(active))
}
