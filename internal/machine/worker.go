package machine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Worker はマシンごとのイベントキューと処理ゴルーチンを管理する
// イベントは到着順（FIFO）で処理され、キューあふれ時は最古を捨てる
type Worker struct {
	machine *Machine
	queue   chan Event
	sink    func(Intent) // 生成されたインテントの送り先

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	dropped atomic.Uint64
}

// NewWorker は新しいワーカーを作成する
func NewWorker(m *Machine, queueSize int, sink func(Intent)) *Worker {
	return &Worker{
		machine: m,
		queue:   make(chan Event, queueSize),
		sink:    sink,
		stopCh:  make(chan struct{}),
	}
}

// Machine は所有する状態機械を返す
func (w *Worker) Machine() *Machine {
	return w.machine
}

// Start は処理ゴルーチンを開始する
// Stop後の再開にも対応する
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return
	}
	w.started = true

	// Stopで閉じられたチャンネルを引き継がないよう作り直す
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx, w.stopCh)
}

// Stop は処理ゴルーチンを停止し、終了を待つ
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	stopCh := w.stopCh
	w.mu.Unlock()

	close(stopCh)
	w.wg.Wait()
}

// Enqueue はイベントをキューに積む
// キューが満杯の場合は最古のイベントを捨てて積む
// 受信スレッドを決してブロックしない
func (w *Worker) Enqueue(ev Event) {
	select {
	case w.queue <- ev:
		return
	default:
	}

	// 満杯: 最古を1件捨ててから再挑戦する
	select {
	case <-w.queue:
		w.dropped.Add(1)
		log.Printf("マシン %s: キューあふれにより最古のイベントを破棄しました", w.machine.ID())
	default:
	}

	select {
	case w.queue <- ev:
	default:
		w.dropped.Add(1)
	}
}

// Snapshot はキュー統計を含む状態スナップショットを返す
func (w *Worker) Snapshot() Snapshot {
	snap := w.machine.Snapshot()
	snap.Dropped = w.dropped.Load()
	return snap
}

// run はキューからイベントを取り出して処理するループ
func (w *Worker) run(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			intents, err := w.machine.Handle(ev)
			if err != nil {
				// 不正イベントはこのマシン内で吸収し、処理を続ける
				log.Printf("マシン %s: イベントを拒否しました: %v", w.machine.ID(), err)
				continue
			}
			for _, intent := range intents {
				w.sink(intent)
			}
		}
	}
}
