package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/machine"
	"kiroku/internal/recorder"
	"kiroku/internal/registry"
	"kiroku/internal/timezone"
)

var (
	// ErrUnknownMachine は設定に存在しないマシン宛てのイベントに対して返される
	ErrUnknownMachine = errors.New("未知のマシンです")

	// ErrUnknownCamera は設定に存在しない・無効なカメラ宛てのインテントに対して返される
	ErrUnknownCamera = errors.New("未知のカメラです")
)

// DeviceFactory はカメラ紐付け設定からデバイス実装を作る
// テストではモックデバイスを注入する
type DeviceFactory func(binding config.CameraBinding) recorder.Device

// FFmpegDeviceFactory はffmpeg経由の実デバイスを作るデフォルトのファクトリ
func FFmpegDeviceFactory(binding config.CameraBinding) recorder.Device {
	return recorder.NewFFmpegDevice(binding.Device)
}

// intentQueueSize はカメラごとのインテントキューの容量
// インテントは直列処理中のみ滞留するため小さくてよい
const intentQueueSize = 16

// Orchestrator はマシンワーカーとカメラワーカーを所有し、
// イベント・インテントの振り分けを行う
type Orchestrator struct {
	cfg *config.Config
	reg *registry.Registry
	bus *lifecycle.Bus
	tz  *timezone.Manager

	machines map[string]*machine.Worker
	cameras  map[string]*cameraWorker

	mu      sync.Mutex
	started bool
}

// cameraWorker は1台のカメラのインテントを直列に処理するワーカー
type cameraWorker struct {
	mgr     *recorder.SessionManager
	intents chan machine.Intent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// New は設定からOrchestratorを組み立てる
func New(cfg *config.Config, reg *registry.Registry, bus *lifecycle.Bus, tz *timezone.Manager, factory DeviceFactory) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		tz:       tz,
		machines: make(map[string]*machine.Worker),
		cameras:  make(map[string]*cameraWorker),
	}

	for _, binding := range cfg.Cameras {
		if !binding.Enabled {
			log.Printf("カメラ %s: 無効化されているため管理対象外です", binding.ID)
			continue
		}
		mgr := recorder.NewSessionManager(binding, factory(binding), reg, bus, tz, cfg.Recorder)
		o.cameras[binding.ID] = &cameraWorker{
			mgr:     mgr,
			intents: make(chan machine.Intent, intentQueueSize),
			stopCh:  make(chan struct{}),
		}
	}

	for _, mc := range cfg.Machines {
		var cameraIDs []string
		for _, binding := range cfg.CamerasForMachine(mc.Name) {
			cameraIDs = append(cameraIDs, binding.ID)
		}
		m := machine.New(mc.Name, cameraIDs, cfg.Ingress.SkewTolerance.Std())
		name := mc.Name
		m.SetTransitionHook(func(state machine.State, at time.Time) {
			bus.Publish(lifecycle.Event{
				Kind:      lifecycle.KindMachineChanged,
				MachineID: name,
				Detail:    string(state),
				At:        at,
			})
		})
		o.machines[mc.Name] = machine.NewWorker(m, cfg.Ingress.QueueSize, o.dispatch)
	}

	return o
}

// Start は中断録画を復旧してからワーカーを開始する
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}

	// インテントの受付を始める前に中断録画を確定する
	for id, cw := range o.cameras {
		if err := cw.mgr.Recover(); err != nil {
			return fmt.Errorf("カメラ %s の復旧に失敗: %w", id, err)
		}
	}

	for _, cw := range o.cameras {
		cw.wg.Add(1)
		go cw.run(ctx)
	}
	for _, mw := range o.machines {
		mw.Start(ctx)
	}

	o.started = true
	log.Printf("オーケストレーターを開始しました (マシン%d台 カメラ%d台)", len(o.machines), len(o.cameras))
	return nil
}

// Submit は受信層からのイベントをマシンワーカーへ積む
// 送信側を決してブロックしない
func (o *Orchestrator) Submit(ev machine.Event) error {
	mw, ok := o.machines[ev.MachineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, ev.MachineID)
	}
	mw.Enqueue(ev)
	return nil
}

// Begin は手動操作による録画開始インテントを積む
// 自動インテントと同じワーカーで直列に処理される
func (o *Orchestrator) Begin(cameraID, reason string) error {
	return o.Dispatch(machine.Intent{
		CameraID: cameraID,
		Kind:     machine.IntentBegin,
		Reason:   reason,
		IssuedAt: o.tz.Now(),
	})
}

// End は手動操作による録画停止インテントを積む
func (o *Orchestrator) End(cameraID, reason string) error {
	return o.Dispatch(machine.Intent{
		CameraID: cameraID,
		Kind:     machine.IntentEnd,
		Reason:   reason,
		IssuedAt: o.tz.Now(),
	})
}

// Dispatch はカメラの存在を確認してからインテントをワーカーへ積む
// 送信側を決してブロックしない
func (o *Orchestrator) Dispatch(intent machine.Intent) error {
	cw, ok := o.cameras[intent.CameraID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, intent.CameraID)
	}
	cw.enqueue(intent)
	return nil
}

// dispatch はマシンワーカーのインテント送り先
// 未知のカメラ宛ては設定不整合としてログに残して握りつぶす
func (o *Orchestrator) dispatch(intent machine.Intent) {
	if err := o.Dispatch(intent); err != nil {
		log.Printf("インテントの配送に失敗しました: %v", err)
	}
}

// enqueue はインテントをキューに積む
// キューが満杯の場合は最古を捨てて積む（マシン層を決してブロックしない）
func (cw *cameraWorker) enqueue(intent machine.Intent) {
	select {
	case cw.intents <- intent:
		return
	default:
	}

	select {
	case <-cw.intents:
		cw.dropped.Add(1)
		log.Printf("カメラ %s: インテントキューあふれにより最古のインテントを破棄しました", cw.mgr.Binding().ID)
	default:
	}

	select {
	case cw.intents <- intent:
	default:
		cw.dropped.Add(1)
	}
}

// run はインテントを直列に処理するループ
func (cw *cameraWorker) run(ctx context.Context) {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.stopCh:
			return
		case intent := <-cw.intents:
			var err error
			switch intent.Kind {
			case machine.IntentBegin:
				err = cw.mgr.HandleBegin(ctx, intent)
			case machine.IntentEnd:
				err = cw.mgr.HandleEnd(ctx, intent)
			}
			if err != nil {
				log.Printf("カメラ %s: インテントの処理に失敗しました: %v", cw.mgr.Binding().ID, err)
			}
		}
	}
}

// Shutdown は録画中のセッションを閉じてからワーカーを停止する
// ctxの期限を超えたセッションはFailedとして強制確定する
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	// 新しいインテントの流入を止める
	for _, mw := range o.machines {
		mw.Stop()
	}

	// 録画中のカメラへ停止インテントを送り、直列処理で閉じさせる
	// デバイス取得中だったカメラは遅れてRecordingへ遷移するため、
	// 猶予時間内は毎回確認して停止インテントを送り直す
	// （録画していないカメラへのEndは何もしないため重複送信は無害）
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		for _, cw := range o.cameras {
			if cw.mgr.State() == recorder.CameraRecording {
				cw.enqueue(machine.Intent{
					CameraID: cw.mgr.Binding().ID,
					Kind:     machine.IntentEnd,
					Reason:   "シャットダウン",
					IssuedAt: o.tz.Now(),
				})
			}
		}
		if !o.anyRecording() {
			break
		}
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	for _, cw := range o.cameras {
		close(cw.stopCh)
		cw.wg.Wait()
		// 猶予時間内に閉じられなかったセッションを強制確定する
		cw.mgr.ForceClose("シャットダウンの猶予時間を超過")
	}

	log.Print("オーケストレーターを停止しました")
}

// anyRecording は録画中・停止処理中のカメラが残っているかを返す
func (o *Orchestrator) anyRecording() bool {
	for _, cw := range o.cameras {
		switch cw.mgr.State() {
		case recorder.CameraRecording, recorder.CameraStopping, recorder.CameraStarting:
			return true
		}
	}
	return false
}

// MachineSnapshots は全マシンの状態スナップショットを名前順で返す
func (o *Orchestrator) MachineSnapshots() []machine.Snapshot {
	snaps := make([]machine.Snapshot, 0, len(o.machines))
	for _, mw := range o.machines {
		snaps = append(snaps, mw.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].MachineID < snaps[j].MachineID })
	return snaps
}

// CameraSnapshots は全カメラの状態スナップショットをID順で返す
func (o *Orchestrator) CameraSnapshots() []recorder.Snapshot {
	snaps := make([]recorder.Snapshot, 0, len(o.cameras))
	for _, cw := range o.cameras {
		snaps = append(snaps, cw.mgr.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CameraID < snaps[j].CameraID })
	return snaps
}

// CameraSnapshot は1台のカメラの状態スナップショットを返す
func (o *Orchestrator) CameraSnapshot(cameraID string) (recorder.Snapshot, bool) {
	cw, ok := o.cameras[cameraID]
	if !ok {
		return recorder.Snapshot{}, false
	}
	return cw.mgr.Snapshot(), true
}
