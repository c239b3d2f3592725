// Package types 定義了 refreshtree 系統中使用的核心領域模型
package types

import (
	"slices"
	"sync"
)

// GroupID 索引群組識別碼，用於選擇性地排除某些索引
type GroupID string

// 常見的索引群組
const (
	GroupExperience GroupID = "experience" // 體驗資料（分析、個人化）索引
	GroupMaster     GroupID = "master"     // 編輯資料庫索引
	GroupCore       GroupID = "core"       // 核心資料庫索引
	GroupWeb        GroupID = "web"        // 發佈資料庫索引
)

// JobHandle 非同步任務的不透明識別碼
type JobHandle string

// IndexDescriptor 索引描述，由 Index Registry 擁有，核心只讀
type IndexDescriptor struct {
	ID    string  `json:"id" yaml:"id"`       // 索引唯一識別碼
	Group GroupID `json:"group" yaml:"group"` // 索引所屬群組
}

// NodeRef 內容樹節點的參照
type NodeRef struct {
	ID       string `json:"id"`       // 節點穩定識別碼
	Database string `json:"database"` // 節點所在資料庫
	Path     string `json:"path"`     // 節點內容路徑，例如 /sitecore/content/home
}

// RefreshRequest 一次樹狀重新索引的請求，建立後不可變
type RefreshRequest struct {
	StartNode  *NodeRef  // 起始節點，不可為 nil
	SkipGroups []GroupID // 要略過的索引群組；nil 或空代表不略過
	Owner      JobHandle // 接收進度訊息的 owner 任務；空字串代表丟棄進度
}

// Skips 回報指定群組是否應被略過
func (r RefreshRequest) Skips(group GroupID) bool {
	return slices.Contains(r.SkipGroups, group)
}

// RefreshJob 針對單一索引的刷新任務
type RefreshJob struct {
	Handle  JobHandle `json:"handle"`   // Job Service 回傳的任務識別碼
	IndexID string    `json:"index_id"` // 目標索引
}

// ProgressNotification "item indexed" 事件；依慣例第 3 個參數（index 2）是項目路徑
type ProgressNotification struct {
	Params []any
}

// JobStatus 任務狀態
//
// Done/Failed 只能由 Job Service 寫入；Messages 是只能追加的訊息日誌，
// Job Service 與 Progress Bridge 都可以追加。所有方法都是併發安全的。
type JobStatus struct {
	mu       sync.RWMutex
	done     bool
	failed   bool
	messages []string
}

// NewJobStatus 建立一個尚未完成的任務狀態
func NewJobStatus() *JobStatus {
	return &JobStatus{messages: make([]string, 0)}
}

// IsDone 回報任務是否已結束（成功或失敗）
func (s *JobStatus) IsDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Failed 回報任務是否失敗
func (s *JobStatus) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Finish 將任務標記為結束，failed 表示是否失敗
func (s *JobStatus) Finish(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.failed = failed
}

// AddMessage 追加一則訊息到日誌尾端
func (s *JobStatus) AddMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Messages 回傳訊息日誌的副本
func (s *JobStatus) Messages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount 回傳目前的訊息數量
func (s *JobStatus) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// StatusView JobStatus 的一致快照，用於序列化與報告
type StatusView struct {
	Done     bool     `json:"done"`
	Failed   bool     `json:"failed"`
	Messages []string `json:"messages"`
}

// View 在單一讀鎖下取得一致的狀態快照
func (s *JobStatus) View() StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]string, len(s.messages))
	copy(msgs, s.messages)
	return StatusView{Done: s.done, Failed: s.failed, Messages: msgs}
}
