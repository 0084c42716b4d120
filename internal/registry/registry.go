package registry

import (
	"fmt"
	"sync"
	"time"
)

// SessionStatus は録画セッションの状態を表す
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"   // 録画中
	StatusCompleted SessionStatus = "completed" // 正常終了
	StatusFailed    SessionStatus = "failed"    // 異常終了
)

// Session は1回の録画セッションの記録
// Running の間は所有するカメラワーカーだけが変更し、
// 終了状態になった後は不変として扱う
type Session struct {
	ID         string        `json:"id"`          // セッションの一意識別子
	CameraID   string        `json:"camera_id"`   // 録画したカメラ
	MachineID  string        `json:"machine_id"`  // トリガーとなったマシン
	StartedAt  time.Time     `json:"started_at"`  // 開始時刻
	EndedAt    *time.Time    `json:"ended_at"`    // 終了時刻（終了済みのみ）
	Status     SessionStatus `json:"status"`      // 現在の状態
	OutputPath string        `json:"output_path"` // 録画ファイルのパス
	Error      string        `json:"error,omitempty"` // 失敗時のエラー内容
}

// Terminal はセッションが終了状態かどうかを返す
func (s Session) Terminal() bool {
	return s.Status != StatusRunning
}

// Registry はセッション状態のプロセス全体での唯一の情報源
type Registry struct {
	mu         sync.RWMutex
	current    map[string]Session   // camera_id -> 実行中セッション
	history    map[string][]Session // camera_id -> 終了済みセッション（新しい順）
	maxHistory int
}

// DefaultMaxHistory はカメラごとに保持する履歴の既定件数
const DefaultMaxHistory = 200

// New は新しいレジストリを作成する
func New() *Registry {
	return &Registry{
		current:    make(map[string]Session),
		history:    make(map[string][]Session),
		maxHistory: DefaultMaxHistory,
	}
}

// Current は指定されたカメラの実行中セッションを返す
func (r *Registry) Current(cameraID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.current[cameraID]
	return s, exists
}

// Record はセッションの記録を追加・更新する
// 実行中セッションは現在枠に置かれ、終了済みセッションは履歴へ移る
// 同一カメラで別の実行中セッションが存在する場合はエラーを返す
func (r *Registry) Record(s Session) error {
	if s.ID == "" {
		return fmt.Errorf("セッションIDが空です")
	}
	if s.CameraID == "" {
		return fmt.Errorf("セッション %s のカメラIDが空です", s.ID)
	}

	// 終了時刻は終了状態の場合のみ設定されていなければならない
	if s.Terminal() && s.EndedAt == nil {
		return fmt.Errorf("終了済みセッション %s に終了時刻がありません", s.ID)
	}
	if !s.Terminal() && s.EndedAt != nil {
		return fmt.Errorf("実行中セッション %s に終了時刻が設定されています", s.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Status == StatusRunning {
		if existing, exists := r.current[s.CameraID]; exists && existing.ID != s.ID {
			return fmt.Errorf("カメラ %s は既にセッション %s を録画中です", s.CameraID, existing.ID)
		}
		r.current[s.CameraID] = s
		return nil
	}

	// 終了: 現在枠から外して履歴の先頭に積む
	if existing, exists := r.current[s.CameraID]; exists && existing.ID == s.ID {
		delete(r.current, s.CameraID)
	}

	entries := append([]Session{s}, r.history[s.CameraID]...)
	if len(entries) > r.maxHistory {
		entries = entries[:r.maxHistory]
	}
	r.history[s.CameraID] = entries

	return nil
}

// History は指定されたカメラの終了済みセッションを新しい順に返す
// limit が 0 以下の場合は全件を返す
func (r *Registry) History(cameraID string, limit int) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.history[cameraID]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	result := make([]Session, len(entries))
	copy(result, entries)
	return result
}

// Running は全カメラの実行中セッションを返す
func (r *Registry) Running() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.current))
	for _, s := range r.current {
		sessions = append(sessions, s)
	}
	return sessions
}
