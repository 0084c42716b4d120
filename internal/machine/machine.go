package machine

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Machine は1台のマシンの状態遷移を管理する状態機械
// Handle は所有ワーカーからのみ呼ばれるが、スナップショット取得は
// API側から並行に行われるためミューテックスで保護する
type Machine struct {
	id      string
	cameras []string // このマシンに紐付く有効なカメラID

	mu               sync.Mutex
	state            State
	lastTransitionAt time.Time
	lastObservedAt   time.Time

	// 許容時間より古いイベントは順序乱れとして破棄する
	skewTolerance time.Duration

	// 統計カウンタ
	duplicates uint64
	stale      uint64
	malformed  uint64

	// 状態遷移時に呼ばれるフック（省略可）
	onTransition func(State, time.Time)
}

// New は新しいマシン状態機械を作成する
// 初期状態は Idle
func New(id string, cameras []string, skewTolerance time.Duration) *Machine {
	return &Machine{
		id:            id,
		cameras:       cameras,
		state:         StateIdle,
		skewTolerance: skewTolerance,
	}
}

// ID はマシン名を返す
func (m *Machine) ID() string {
	return m.id
}

// SetTransitionHook は状態遷移時に呼ばれるフックを設定する
// イベントの処理が始まる前に1度だけ呼ぶこと
func (m *Machine) SetTransitionHook(fn func(State, time.Time)) {
	m.onTransition = fn
}

// Handle はイベントを処理し、発行すべきインテントを返す
// 状態を変えないイベント・古いイベント・不正イベントはインテントを生まない
func (m *Machine) Handle(ev Event) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 別マシン宛てのイベントは設定不整合なので拒否する
	if ev.MachineID != m.id {
		m.malformed++
		return nil, fmt.Errorf("マシン %s に %s 宛てのイベントが配送されました", m.id, ev.MachineID)
	}

	if ev.ObservedAt.IsZero() {
		m.malformed++
		return nil, fmt.Errorf("マシン %s のイベントに観測時刻がありません", m.id)
	}

	// 処理済みイベントより許容時間以上古いものは順序乱れとして破棄
	if !m.lastObservedAt.IsZero() && ev.ObservedAt.Before(m.lastObservedAt.Add(-m.skewTolerance)) {
		m.stale++
		log.Printf("マシン %s: 古いイベントを破棄しました (observed=%s last=%s)",
			m.id, ev.ObservedAt.Format(time.RFC3339), m.lastObservedAt.Format(time.RFC3339))
		return nil, nil
	}

	m.lastObservedAt = ev.ObservedAt

	// 状態を変えないイベントは重複として抑制する
	// （stale検出のため lastObservedAt は先に更新済み）
	if (m.state == StateActive) == ev.Active {
		m.duplicates++
		return nil, nil
	}

	// 状態遷移を適用
	if ev.Active {
		m.state = StateActive
	} else {
		m.state = StateIdle
	}
	m.lastTransitionAt = ev.ObservedAt
	log.Printf("マシン %s の状態が %s に遷移しました", m.id, m.state)

	if m.onTransition != nil {
		m.onTransition(m.state, ev.ObservedAt)
	}

	return m.intentsLocked(ev), nil
}

// intentsLocked は現在の状態に応じたインテントを生成する（ロック済み前提）
func (m *Machine) intentsLocked(ev Event) []Intent {
	kind := IntentEnd
	reason := fmt.Sprintf("マシン %s が停止", m.id)
	if m.state == StateActive {
		kind = IntentBegin
		reason = fmt.Sprintf("マシン %s が稼働開始", m.id)
	}

	intents := make([]Intent, 0, len(m.cameras))
	for _, cameraID := range m.cameras {
		intents = append(intents, Intent{
			CameraID: cameraID,
			Kind:     kind,
			Reason:   reason,
			IssuedAt: ev.ObservedAt,
		})
	}
	return intents
}

// State は現在の状態を返す
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot は現在の状態スナップショットを返す
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		MachineID:        m.id,
		State:            m.state,
		LastTransitionAt: m.lastTransitionAt,
		LastObservedAt:   m.lastObservedAt,
		Duplicates:       m.duplicates,
		Stale:            m.stale,
		Malformed:        m.malformed,
	}
}
