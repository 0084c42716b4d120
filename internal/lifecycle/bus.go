package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind はライフサイクルイベントの種別
type Kind string

const (
	KindBeginAccepted    Kind = "begin_accepted"    // Beginインテントを受理した
	KindRecordingStarted Kind = "recording_started" // 録画が始まった
	KindRecordingEnded   Kind = "recording_ended"   // 録画が終了した（正常・異常とも）
	KindCameraFaulted    Kind = "camera_faulted"    // カメラが障害状態になった
	KindMachineChanged   Kind = "machine_changed"   // マシンの稼働状態が変わった
)

// Event は購読者へ配信される型付きイベント
type Event struct {
	Kind      Kind      `json:"kind"`
	CameraID  string    `json:"camera_id,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// DefaultBufferSize は購読者ごとのバッファの既定容量
const DefaultBufferSize = 32

// Bus はライフサイクルイベントのファンアウトを担う
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped atomic.Uint64
}

// NewBus は新しいイベントバスを作成する
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: bufferSize,
	}
}

// Subscribe は新しい購読を開始する
// 返されたキャンセル関数を呼ぶと購読が解除され、チャンネルはクローズされる
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, exists := b.subs[id]; exists {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish はイベントを全購読者へ配信する
// 購読者のバッファが満杯の場合はそのイベントを捨てる（ブロックしない）
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount は現在の購読者数を返す
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped はバッファあふれで捨てたイベントの総数を返す
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
