package machine

import "time"

// State はマシンの稼働状態を表す
type State string

const (
	StateIdle   State = "idle"   // マシンは停止中
	StateActive State = "active" // マシンは稼働中
)

// Event は正規化済みのマシン稼働イベント
// 生成後は変更しない
type Event struct {
	MachineID  string    // 対象マシン名
	Active     bool      // 稼働中かどうか
	ObservedAt time.Time // イベントの観測時刻
	Sequence   string    // 配信側の順序ヒント（不透明トークン、省略可）
}

// IntentKind は録画インテントの種別
type IntentKind string

const (
	IntentBegin IntentKind = "begin" // 録画開始
	IntentEnd   IntentKind = "end"   // 録画停止
)

// Intent は状態遷移から導かれる録画指示
// 配送後は保持しない一時的なメッセージ
type Intent struct {
	CameraID string     // 対象カメラID
	Kind     IntentKind // 種別
	Reason   string     // 発行理由（ログ・セッション記録用）
	IssuedAt time.Time  // 発行時刻
}

// Snapshot はAPI向けのマシン状態スナップショット
type Snapshot struct {
	MachineID        string    `json:"machine_id"`
	State            State     `json:"state"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	LastObservedAt   time.Time `json:"last_observed_at"`
	Duplicates       uint64    `json:"duplicates"` // 重複として破棄したイベント数
	Stale            uint64    `json:"stale"`      // 順序乱れとして破棄したイベント数
	Malformed        uint64    `json:"malformed"`  // 不正として拒否したイベント数
	Dropped          uint64    `json:"dropped"`    // キューあふれで捨てたイベント数
}
