// ============================================================================
// vidgen-lane 調度器 - 單通道准入控制
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 保證同一時間最多一個任務在執行，依提交順序（FIFO）逐一准入
//
// 架構設計:
//   Submit() ──► JobStore.queue ──► TryAdmitNext() ──► admitCh (cap 1)
//                                         ▲                  │
//                                         │                  ▼
//                                   release() ◄──── executorLoop ──► Runner.Run
//
//   - TryAdmitNext 在每次 Submit 之後以及每次任務終止之後被呼叫
//   - busy 旗標與 admitCh 容量 1 共同保證不會重複准入
//   - release 在 defer 中執行並攔截 panic，任何失敗都會釋放通道
//
// 核心循環 (2 個 Goroutine):
//   1. Executor Loop - 從 admitCh 取出已准入任務並同步執行
//   2. Sweep Loop    - 定期清理超過保留上限的終止任務
//
// 並發安全:
//   - mu 保護 busy / stopped 與准入動作
//   - stopCh channel 用於優雅關閉所有循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/vidgen-lane/internal/jobstore"
	"github.com/ChuLiYu/vidgen-lane/internal/metrics"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 重複啟動
	ErrAlreadyStarted = errors.New("scheduler already started")
	// 已停止的調度器不可再啟動
	ErrStopped = errors.New("scheduler stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Runner 執行單一已准入任務直到終止狀態
type Runner interface {
	Run(ctx context.Context, job types.JobRecord) error
	Fail(id types.JobID, msg string)
}

// ArtifactRemover 刪除已下載的產出檔案
type ArtifactRemover interface {
	Remove(path string) error
}

// Config Scheduler 配置
type Config struct {
	SweepInterval   time.Duration // 保留清理間隔
	RetainMax       int           // 保留任務上限
	RemoveArtifacts bool          // 刪除任務時一併刪除影片檔
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Hour,
		RetainMax:     100,
	}
}

// Scheduler 單通道調度器
type Scheduler struct {
	mu      sync.Mutex
	store   *jobstore.Store
	runner  Runner
	files   ArtifactRemover
	metrics *metrics.Collector
	logger  zerolog.Logger
	config  Config

	busy    bool               // 是否有任務佔用通道
	started bool               // 是否已啟動
	stopped bool               // 是否已停止
	admitCh chan types.JobID   // 已准入任務（容量 1）
	stopCh  chan struct{}      // 停止訊號
	cancel  context.CancelFunc // 取消執行中任務
	loopWg  sync.WaitGroup     // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Scheduler 實例
//
// 參數：
//   - config: 調度配置（零值欄位使用預設值）
//   - store: 任務儲存
//   - runner: 任務執行器
//   - files: 產出檔案刪除器，可為 nil
//   - collector: 指標收集器，可為 nil
//   - logger: 日誌
func New(config Config, store *jobstore.Store, runner Runner, files ArtifactRemover, collector *metrics.Collector, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.RetainMax <= 0 {
		config.RetainMax = def.RetainMax
	}

	return &Scheduler{
		store:   store,
		runner:  runner,
		files:   files,
		metrics: collector,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		config:  config,
		admitCh: make(chan types.JobID, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動執行循環與清理循環
//
// 返回值：
//   - error: 已啟動或已停止
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loopWg.Add(2)
	go s.executorLoop(runCtx)
	go s.sweepLoop()

	s.logger.Info().
		Dur("sweep_interval", s.config.SweepInterval).
		Int("retain_max", s.config.RetainMax).
		Msg("scheduler started")
	return nil
}

// Stop 停止所有循環
//
// 執行中的任務會因 context 取消而失敗；已准入但尚未執行的任務標記為失敗。
// 排隊中的任務保持 Queued。重複呼叫安全。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.loopWg.Wait()

	// 通道中殘留的已准入任務
	select {
	case id := <-s.admitCh:
		s.runner.Fail(id, ErrStopped.Error())
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	default:
	}
	s.updateGauges()

	s.logger.Info().Msg("scheduler stopped")
}

// Running 回報調度器是否在運行
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Submit 建立新任務並嘗試立即准入
//
// 返回值：
//   - types.JobRecord: 任務快照（若通道空閒則已是 Active）
func (s *Scheduler) Submit(kind types.Kind, input types.Input, params types.Parameters) types.JobRecord {
	rec := s.store.Submit(kind, input, params)
	s.metrics.RecordSubmit()
	s.logger.Debug().Str("job_id", string(rec.ID)).Str("kind", string(kind)).Msg("job submitted")

	s.TryAdmitNext()

	if current, ok := s.store.Get(rec.ID); ok {
		return current
	}
	return rec
}

// TryAdmitNext 若通道空閒且佇列非空，准入佇列頭部任務
//
// 冪等：通道忙碌或佇列為空時直接返回 false
func (s *Scheduler) TryAdmitNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy || s.stopped {
		return false
	}

	for {
		id, ok := s.store.PopPending()
		if !ok {
			s.updateGauges()
			return false
		}
		if err := s.store.MarkActive(id); err != nil {
			s.logger.Error().Err(err).Str("job_id", string(id)).Msg("failed to mark active")
			continue
		}

		s.busy = true
		s.admitCh <- id
		s.metrics.RecordAdmit()
		s.updateGauges()
		s.logger.Info().Str("job_id", string(id)).Msg("job admitted")
		return true
	}
}

// Get 查詢任務
func (s *Scheduler) Get(id types.JobID) (types.JobRecord, bool) {
	return s.store.Get(id)
}

// List 列出所有任務（最新的在前）
func (s *Scheduler) List() []types.JobRecord {
	return s.store.List()
}

// Stats 各狀態任務數
func (s *Scheduler) Stats() types.Stats {
	return s.store.Stats()
}

// Cancel 取消排隊中的任務
func (s *Scheduler) Cancel(id types.JobID) bool {
	if !s.store.Cancel(id) {
		return false
	}
	s.metrics.RecordCancel()
	s.updateGauges()
	s.logger.Info().Str("job_id", string(id)).Msg("job cancelled")
	return true
}

// Delete 刪除任何狀態的任務
//
// 執行中的任務會繼續跑完，其後續寫入被 store 忽略
func (s *Scheduler) Delete(id types.JobID) bool {
	rec, ok := s.store.Get(id)
	if !ok || !s.store.Delete(id) {
		return false
	}
	s.removeArtifact(rec)
	s.metrics.RecordDelete()
	s.updateGauges()
	s.logger.Info().Str("job_id", string(id)).Str("status", string(rec.Status)).Msg("job deleted")
	return true
}

// Sweep 執行一次保留清理，回傳刪除數量
func (s *Scheduler) Sweep() int {
	evicted := s.store.Sweep(s.config.RetainMax)
	for _, rec := range evicted {
		s.removeArtifact(rec)
	}
	if len(evicted) > 0 {
		s.metrics.RecordSweep(len(evicted))
		s.logger.Info().Int("evicted", len(evicted)).Int("retain_max", s.config.RetainMax).Msg("retention sweep")
	}
	return len(evicted)
}

// Idle 通道空閒且沒有排隊任務
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && s.store.PendingLen() == 0
}

// WaitIdle 阻塞直到 Idle 或 ctx 結束
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !s.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// executorLoop 依序執行已准入的任務
func (s *Scheduler) executorLoop(ctx context.Context) {
	defer s.loopWg.Done()

	for {
		select {
		case <-s.stopCh:
			s.logger.Debug().Msg("executor loop stopped")
			return
		case id := <-s.admitCh:
			s.runJob(ctx, id)
		}
	}
}

// runJob 執行單一任務，並保證通道最終被釋放
func (s *Scheduler) runJob(ctx context.Context, id types.JobID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job_id", string(id)).Interface("panic", r).Msg("executor panicked")
			s.runner.Fail(id, fmt.Sprintf("executor panic: %v", r))
		}
		s.release(id)
	}()

	job, ok := s.store.Get(id)
	if !ok {
		// 准入後、執行前被刪除
		return
	}
	_ = s.runner.Run(ctx, job)
}

// release 釋放通道並准入下一個任務
func (s *Scheduler) release(id types.JobID) {
	s.updateGauges()
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	s.logger.Debug().Str("job_id", string(id)).Msg("lane released")
	s.TryAdmitNext()
}

// sweepLoop 定期執行保留清理
func (s *Scheduler) sweepLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Debug().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			s.Sweep()
			s.updateGauges()
		}
	}
}

// ============================================================================
// 內部方法
// ============================================================================

func (s *Scheduler) removeArtifact(rec types.JobRecord) {
	if !s.config.RemoveArtifacts || s.files == nil || rec.Result == nil || rec.Result.LocalPath == "" {
		return
	}
	if err := s.files.Remove(rec.Result.LocalPath); err != nil {
		s.logger.Warn().Err(err).Str("job_id", string(rec.ID)).Msg("failed to remove artifact")
	}
}

func (s *Scheduler) updateGauges() {
	if s.metrics == nil {
		return
	}
	st := s.store.Stats()
	s.metrics.UpdateQueueStats(st.Queued, st.Active)
}
