// ============================================================================
// vidgen-lane 任務儲存 - 任務記錄與待處理佇列
// ============================================================================
//
// Package: internal/jobstore
// 文件: job_store.go
// 功能: 任務記錄的唯一擁有者，提供狀態轉換、進度更新與保留清理
//
// 任務狀態轉換 (State Machine):
//   Queued (排隊)
//      ↓ PopPending() + MarkActive()
//   Active (執行中)
//      ↓ MarkCompleted() 或 MarkFailed()
//   Completed (已完成) / Failed (失敗)
//
// 狀態轉換規則:
//   - Queued → Active: 只由 Scheduler 呼叫
//   - Active → Completed / Failed: 只由持有該任務的 Executor 呼叫
//   - 終止狀態不可再轉換
//   - Queued 任務可被 Cancel()（刪除記錄並移出佇列）
//   - 任何狀態都可被 Delete()
//
// 數據結構設計:
//   jobs map[JobID]*JobRecord - 主存儲
//   queue []JobID             - 待處理佇列，保證 FIFO
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//   - 所有讀取方法都回傳深拷貝，呼叫端無法繞過 store 修改記錄
//
// ============================================================================

package jobstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在（未知 ID 或已被刪除）
	ErrJobNotFound = errors.New("job not found")
	// 任務目前狀態不允許此轉換
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// AdmissionProgress 任務進入執行通道時的初始進度
const AdmissionProgress = 5

// maxActiveProgress 執行中任務可回報的最大進度，100 保留給 MarkCompleted
const maxActiveProgress = 99

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 代表任務儲存，是所有 JobRecord 的唯一擁有者
type Store struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*types.JobRecord // 所有任務的統一儲存
	queue []types.JobID                    // 待處理佇列（FIFO）
	seq   uint64                           // 建立順序計數器
	now   func() time.Time
}

// New 建立新的任務儲存實例
//
// 併發安全：返回的實例是執行緒安全的
func New() *Store {
	return &Store{
		jobs:  make(map[types.JobID]*types.JobRecord),
		queue: make([]types.JobID, 0),
		now:   time.Now,
	}
}

// ============================================================================
// 核心方法
// ============================================================================

// Submit 建立新任務並加入待處理佇列
//
// 參數說明：
//   - kind: 任務類型
//   - input: 提示詞與圖片
//   - params: 生成參數
//
// 返回值：
//   - types.JobRecord: 新任務的快照（Queued，進度 0）
//
// 此層不做輸入驗證，格式錯誤的請求應在呼叫前被拒絕
func (s *Store) Submit(kind types.Kind, input types.Input, params types.Parameters) types.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	job := &types.JobRecord{
		ID:         types.JobID(uuid.NewString()),
		Kind:       kind,
		Input:      input,
		Parameters: params,
		Status:     types.StatusQueued,
		Progress:   0,
		CreatedAt:  s.now(),
		Seq:        s.seq,
	}

	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	return job.Clone()
}

// Get 取得任務快照
//
// 返回值：
//   - types.JobRecord: 任務快照
//   - bool: 任務是否存在
func (s *Store) Get(id types.JobID) (types.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.JobRecord{}, false
	}
	return job.Clone(), true
}

// List 取得所有任務快照，依建立時間由新到舊排序
func (s *Store) List() []types.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})
	return out
}

// PopPending 取出佇列最前端的任務 ID，但不改變其狀態
//
// 返回值：
//   - types.JobID: 佇列頭的任務 ID
//   - bool: 佇列是否非空
//
// 呼叫端需接著呼叫 MarkActive
func (s *Store) PopPending() (types.JobID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if job, ok := s.jobs[id]; ok && job.Status == types.StatusQueued {
			return id, true
		}
	}
	return "", false
}

// PendingLen 回傳佇列長度
func (s *Store) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// UpdateProgress 更新執行中任務的進度
//
// 進度會被限制在 [0,100]，低於目前值的更新被忽略（單調遞增），
// 且在完成前最多為 99。未知或非 Active 的任務為 no-op。
//
// 返回值：
//   - bool: 是否套用了更新
func (s *Store) UpdateProgress(id types.JobID, percent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != types.StatusActive {
		return false
	}

	percent = clamp(percent, 0, 100)
	if percent > maxActiveProgress {
		percent = maxActiveProgress
	}
	if percent <= job.Progress {
		return false
	}
	job.Progress = percent
	return true
}

// MarkActive 將排隊中任務標記為執行中
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 任務不是 Queued
func (s *Store) MarkActive(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("mark active %s: %w", id, ErrJobNotFound)
	}
	if job.Status != types.StatusQueued {
		return fmt.Errorf("mark active %s from %s: %w", id, job.Status, ErrInvalidTransition)
	}

	now := s.now()
	job.Status = types.StatusActive
	job.StartedAt = &now
	job.Progress = AdmissionProgress
	s.removeFromQueue(id)
	return nil
}

// MarkCompleted 將執行中任務標記為完成，進度設為 100
func (s *Store) MarkCompleted(id types.JobID, result types.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("mark completed %s: %w", id, ErrJobNotFound)
	}
	if job.Status != types.StatusActive {
		return fmt.Errorf("mark completed %s from %s: %w", id, job.Status, ErrInvalidTransition)
	}

	now := s.now()
	job.Status = types.StatusCompleted
	job.Progress = 100
	job.Result = &result
	job.Error = ""
	job.CompletedAt = &now
	return nil
}

// MarkFailed 將執行中任務標記為失敗
//
// 失敗時的進度保留，方便診斷
func (s *Store) MarkFailed(id types.JobID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", id, ErrJobNotFound)
	}
	if job.Status != types.StatusActive {
		return fmt.Errorf("mark failed %s from %s: %w", id, job.Status, ErrInvalidTransition)
	}

	now := s.now()
	job.Status = types.StatusFailed
	job.Error = msg
	job.Result = nil
	job.CompletedAt = &now
	return nil
}

// Cancel 取消排隊中的任務（移出佇列並刪除記錄）
//
// 返回值：
//   - bool: 只有 Queued 任務會回傳 true；其他狀態不變並回傳 false
func (s *Store) Cancel(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != types.StatusQueued {
		return false
	}
	s.removeFromQueue(id)
	delete(s.jobs, id)
	return true
}

// Delete 刪除任何狀態的任務
//
// Active 任務被刪除後，executor 之後的寫入會被安全忽略
func (s *Store) Delete(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if job.Status == types.StatusQueued {
		s.removeFromQueue(id)
	}
	delete(s.jobs, id)
	return true
}

// Stats 取得各狀態的任務數量
func (s *Store) Stats() types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Stats{Total: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.Status {
		case types.StatusQueued:
			st.Queued++
		case types.StatusActive:
			st.Active++
		case types.StatusCompleted:
			st.Completed++
		case types.StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Sweep 任務總數超過 retainMax 時，從最舊的終止任務開始刪除
//
// 參數說明：
//   - retainMax: 保留上限
//
// 返回值：
//   - []types.JobRecord: 被刪除的任務快照（供呼叫端清理產出檔案）
//
// Queued 與 Active 任務永遠不會被刪除
func (s *Store) Sweep(retainMax int) []types.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retainMax < 0 {
		retainMax = 0
	}
	excess := len(s.jobs) - retainMax
	if excess <= 0 {
		return nil
	}

	terminal := make([]*types.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].Seq < terminal[j].Seq
	})

	if excess > len(terminal) {
		excess = len(terminal)
	}
	evicted := make([]types.JobRecord, 0, excess)
	for _, job := range terminal[:excess] {
		evicted = append(evicted, job.Clone())
		delete(s.jobs, job.ID)
	}
	return evicted
}

// ============================================================================
// 內部方法
// ============================================================================

// removeFromQueue 從佇列移除指定 ID（呼叫端需持有鎖）
func (s *Store) removeFromQueue(id types.JobID) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
