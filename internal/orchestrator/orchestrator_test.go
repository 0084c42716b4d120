package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/machine"
	"kiroku/internal/recorder"
	"kiroku/internal/registry"
	"kiroku/internal/timezone"
)

// testFixture はテスト用のオーケストレーター一式
type testFixture struct {
	orch    *Orchestrator
	reg     *registry.Registry
	bus     *lifecycle.Bus
	devices map[string]*recorder.MockDevice
}

// newTestFixture はマシン1台・カメラ2台（+無効1台）の構成を組み立てる
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	cfg := &config.Config{
		Ingress: config.IngressConfig{
			SkewTolerance: config.Duration(2 * time.Second),
			QueueSize:     8,
		},
		Recorder: config.RecorderConfig{
			OpenAttempts:     2,
			RetryBackoff:     config.Duration(time.Millisecond),
			OpenTimeout:      config.Duration(time.Second),
			StopTimeout:      config.Duration(time.Second),
			FaultCooldown:    config.Duration(50 * time.Millisecond),
			ExtendedCooldown: config.Duration(time.Hour),
			FailureThreshold: 3,
		},
		Machines: []config.MachineConfig{
			{Name: "m1", Topic: "vision/m1/state"},
		},
		Cameras: []config.CameraBinding{
			{ID: "c1", Machine: "m1", Device: "/dev/video0", StoragePath: t.TempDir(), Enabled: true},
			{ID: "c2", Machine: "m1", Device: "/dev/video1", StoragePath: t.TempDir(), Enabled: true},
			{ID: "c3", Machine: "m1", Device: "/dev/video2", StoragePath: t.TempDir(), Enabled: false},
		},
		Timezone: "America/New_York",
	}

	tz, err := timezone.NewManager(cfg.Timezone)
	if err != nil {
		t.Fatalf("タイムゾーンマネージャーの作成に失敗しました: %v", err)
	}

	devices := map[string]*recorder.MockDevice{}
	factory := func(binding config.CameraBinding) recorder.Device {
		d := recorder.NewMockDevice()
		devices[binding.ID] = d
		return d
	}

	reg := registry.New()
	bus := lifecycle.NewBus(64)
	orch := New(cfg, reg, bus, tz, factory)
	return &testFixture{orch: orch, reg: reg, bus: bus, devices: devices}
}

// waitFor は条件が満たされるまで待つテスト用ヘルパー
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が時間内に満たされませんでした")
}

func (f *testFixture) cameraState(id string) recorder.CameraState {
	snap, _ := f.orch.CameraSnapshot(id)
	return snap.State
}

// TestEventRouting はマシンイベントが全紐付けカメラへ配送されることをテストする
func TestEventRouting(t *testing.T) {
	f := newTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}
	defer f.orch.Shutdown(context.Background())

	// 稼働開始 → 両方のカメラが録画を始める
	err := f.orch.Submit(machine.Event{MachineID: "m1", Active: true, ObservedAt: time.Now()})
	if err != nil {
		t.Fatalf("Submitに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return f.cameraState("c1") == recorder.CameraRecording &&
			f.cameraState("c2") == recorder.CameraRecording
	})

	// 無効カメラは対象外
	if _, ok := f.orch.CameraSnapshot("c3"); ok {
		t.Error("無効カメラが管理対象になっています")
	}

	// 稼働終了 → 両方のカメラが停止してCompletedを記録する
	err = f.orch.Submit(machine.Event{MachineID: "m1", Active: false, ObservedAt: time.Now()})
	if err != nil {
		t.Fatalf("Submitに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return f.cameraState("c1") == recorder.CameraIdle &&
			f.cameraState("c2") == recorder.CameraIdle
	})

	for _, id := range []string{"c1", "c2"} {
		history := f.reg.History(id, 0)
		if len(history) != 1 || history[0].Status != registry.StatusCompleted {
			t.Errorf("カメラ %s のCompletedセッションが記録されていません: %+v", id, history)
		}
	}
}

// TestMachineChangedEvent はマシンの状態遷移がイベントとして配信されることをテストする
func TestMachineChangedEvent(t *testing.T) {
	f := newTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}
	defer f.orch.Shutdown(context.Background())

	if err := f.orch.Submit(machine.Event{MachineID: "m1", Active: true, ObservedAt: time.Now()}); err != nil {
		t.Fatalf("Submitに失敗しました: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != lifecycle.KindMachineChanged {
				continue
			}
			if ev.MachineID != "m1" || ev.Detail != string(machine.StateActive) {
				t.Fatalf("イベント内容が一致しません: %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("マシン状態イベントが配信されませんでした")
		}
	}
}

// TestSubmitUnknownMachine は未知のマシン宛てイベントの拒否をテストする
func TestSubmitUnknownMachine(t *testing.T) {
	f := newTestFixture(t)

	err := f.orch.Submit(machine.Event{MachineID: "unknown", Active: true, ObservedAt: time.Now()})
	if !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("ErrUnknownMachineが期待されましたが: %v", err)
	}
}

// TestManualBeginEnd は手動操作による録画開始・停止をテストする
func TestManualBeginEnd(t *testing.T) {
	f := newTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}
	defer f.orch.Shutdown(context.Background())

	if err := f.orch.Begin("c1", "手動開始"); err != nil {
		t.Fatalf("Beginに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.cameraState("c1") == recorder.CameraRecording })

	// 他のカメラには影響しない
	if f.cameraState("c2") != recorder.CameraIdle {
		t.Errorf("カメラc2の状態が変化しました: %s", f.cameraState("c2"))
	}

	if err := f.orch.End("c1", "手動停止"); err != nil {
		t.Fatalf("Endに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.cameraState("c1") == recorder.CameraIdle })

	history := f.reg.History("c1", 0)
	if len(history) != 1 || history[0].Status != registry.StatusCompleted {
		t.Fatalf("Completedセッションが記録されていません: %+v", history)
	}

	// 未知・無効カメラへの手動操作は拒否される
	if err := f.orch.Begin("nope", "手動開始"); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("ErrUnknownCameraが期待されましたが: %v", err)
	}
	if err := f.orch.Begin("c3", "手動開始"); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("無効カメラへのBeginが拒否されませんでした: %v", err)
	}
}

// TestStartRecoversOrphans は起動時に中断録画が復旧されることをテストする
func TestStartRecoversOrphans(t *testing.T) {
	f := newTestFixture(t)

	// カメラc1の保存先に前回実行の中断録画を置く
	storage := f.orch.cameras["c1"].mgr.Binding().StoragePath
	dir := filepath.Join(storage, "2026-08-27")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("テストディレクトリの作成に失敗しました: %v", err)
	}
	orphan := filepath.Join(dir, "c1_auto_m1_20260827_231500.avi.part")
	if err := os.WriteFile(orphan, []byte("data"), 0o644); err != nil {
		t.Fatalf("テストファイルの作成に失敗しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}
	defer f.orch.Shutdown(context.Background())

	history := f.reg.History("c1", 0)
	if len(history) != 1 || history[0].Status != registry.StatusFailed {
		t.Fatalf("中断録画がFailedとして復旧されていません: %+v", history)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("録画中ファイルが残っています")
	}
}

// TestShutdownWaitsForStartingCamera はデバイス取得中だったカメラの
// セッションも停止時に正常終了することをテストする
func TestShutdownWaitsForStartingCamera(t *testing.T) {
	f := newTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}

	// c1のデバイス取得に時間がかかる状況を作る
	f.devices["c1"].SetOpenDelay(200 * time.Millisecond)

	if err := f.orch.Begin("c1", "手動開始"); err != nil {
		t.Fatalf("Beginに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.cameraState("c1") == recorder.CameraStarting })

	// 取得完了前にシャットダウンが始まっても強制失敗にはならない
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	f.orch.Shutdown(shutdownCtx)

	history := f.reg.History("c1", 0)
	if len(history) != 1 || history[0].Status != registry.StatusCompleted {
		t.Fatalf("セッションが正常終了していません: %+v", history)
	}
}

// TestShutdownClosesSessions は停止時に録画中セッションが閉じられることをテストする
func TestShutdownClosesSessions(t *testing.T) {
	f := newTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Startに失敗しました: %v", err)
	}

	if err := f.orch.Begin("c1", "手動開始"); err != nil {
		t.Fatalf("Beginに失敗しました: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.cameraState("c1") == recorder.CameraRecording })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	f.orch.Shutdown(shutdownCtx)

	history := f.reg.History("c1", 0)
	if len(history) != 1 || history[0].Status != registry.StatusCompleted {
		t.Fatalf("セッションが正常終了していません: %+v", history)
	}
	if _, exists := f.reg.Current("c1"); exists {
		t.Error("停止後も実行中セッションが残っています")
	}
}
