// Package types 定義了 vidgen-lane 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// Kind 生成任務類型，建立後不可變更
type Kind string

const (
	KindTextToVideo  Kind = "text2video"  // 文字生成影片
	KindImageToVideo Kind = "image2video" // 圖片生成影片
)

// Valid 檢查任務類型是否為已知值
func (k Kind) Valid() bool {
	return k == KindTextToVideo || k == KindImageToVideo
}

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 排隊狀態：任務已建立，等待進入執行通道
	StatusActive    JobStatus = "active"    // 執行中狀態：任務正在由 executor 處理
	StatusCompleted JobStatus = "completed" // 完成狀態：影片已下載完成
	StatusFailed    JobStatus = "failed"    // 失敗狀態：任一步驟出錯
)

// IsTerminal 回報狀態是否為終止狀態（Completed 或 Failed）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Input 任務輸入：提示詞與（可選的）來源圖片路徑
type Input struct {
	Prompt    string `json:"prompt,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// Parameters 生成參數，由遠端服務負責驗證
type Parameters struct {
	Model      string `json:"model"`      // 模型識別碼
	Resolution string `json:"resolution"` // 例如 "1280x720"
	Duration   int    `json:"duration"`   // 秒數
}

// Result 任務成功後的產出資訊
type Result struct {
	RemoteArtifactID string `json:"remote_artifact_id"` // 遠端影片 ID
	ResolvedURL      string `json:"resolved_url"`       // 可供下載的 URL
	LocalPath        string `json:"local_path"`         // 本地檔案路徑
}

// JobRecord 任務記錄，代表使用者提交的一次生成請求及其生命週期
type JobRecord struct {
	// 識別與輸入（建立後不可變）
	ID         JobID      `json:"id"`
	Kind       Kind       `json:"kind"`
	Input      Input      `json:"input"`
	Parameters Parameters `json:"parameters"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`

	// 時間管理
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Seq 建立順序，用於 CreatedAt 相同時排序
	Seq uint64 `json:"seq"`
}

// Clone 回傳深拷貝，避免呼叫端持有與 store 共享的指標
func (r *JobRecord) Clone() JobRecord {
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Stats 各狀態任務數量統計
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
