package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/machine"
	"kiroku/internal/registry"
	"kiroku/internal/timezone"
)

// CameraState はカメラセッション管理の状態を表す
type CameraState string

const (
	CameraIdle      CameraState = "idle"      // 待機中
	CameraStarting  CameraState = "starting"  // デバイス取得中
	CameraRecording CameraState = "recording" // 録画中
	CameraStopping  CameraState = "stopping"  // 停止処理中
	CameraFaulted   CameraState = "faulted"   // 障害クールダウン中
)

// ErrCameraFaulted は障害クールダウン中のカメラへのBeginに対して返される
var ErrCameraFaulted = errors.New("カメラは障害クールダウン中です")

// SessionManager は1台のカメラの録画セッションを排他的に管理する
// インテントの処理はカメラごとのワーカーで直列化されるが、
// 状態参照はAPI側から、デバイスエラー通知は監視ゴルーチンから
// 並行に行われるためミューテックスで保護する
type SessionManager struct {
	binding config.CameraBinding
	device  Device
	reg     *registry.Registry
	bus     *lifecycle.Bus
	tz      *timezone.Manager
	cfg     config.RecorderConfig

	mu        sync.Mutex
	state     CameraState
	handle    Handle
	session   *registry.Session
	partPath  string
	finalPath string
	stopTimer *time.Timer

	// 監視ゴルーチン・タイマーの世代ガード
	// セッション開始ごとに増え、古い通知を無効化する
	gen uint64

	consecutiveFailures int
	faultedUntil        time.Time
}

// Snapshot はAPI向けのカメラ状態スナップショット
type Snapshot struct {
	CameraID     string      `json:"camera_id"`
	Machine      string      `json:"machine"`
	Enabled      bool        `json:"enabled"`
	State        CameraState `json:"state"`
	FaultedUntil *time.Time  `json:"faulted_until,omitempty"`
}

// NewSessionManager は新しいSessionManagerを作成する
func NewSessionManager(binding config.CameraBinding, device Device, reg *registry.Registry, bus *lifecycle.Bus, tz *timezone.Manager, cfg config.RecorderConfig) *SessionManager {
	return &SessionManager{
		binding: binding,
		device:  device,
		reg:     reg,
		bus:     bus,
		tz:      tz,
		cfg:     cfg,
		state:   CameraIdle,
	}
}

// Binding はカメラの紐付け設定を返す
func (m *SessionManager) Binding() config.CameraBinding {
	return m.binding
}

// State は現在の状態を返す
func (m *SessionManager) State() CameraState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot は現在の状態スナップショットを返す
func (m *SessionManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		CameraID: m.binding.ID,
		Machine:  m.binding.Machine,
		Enabled:  m.binding.Enabled,
		State:    m.state,
	}
	if m.state == CameraFaulted {
		until := m.faultedUntil
		snap.FaultedUntil = &until
	}
	return snap
}

// HandleBegin はBeginインテントを処理する
// 既に録画中・開始中の場合は何もしない（冪等）
//
// デバイス取得と録画開始はブロックする処理のため、その間はロックを
// 外して状態参照を止めない。Starting状態が再入Beginを防ぎ、
// HandleEnd・ForceClose・監視ゴルーチンはStarting中は何もしないため、
// 再取得時点でも状態はStartingのまま
func (m *SessionManager) HandleBegin(ctx context.Context, intent machine.Intent) error {
	m.mu.Lock()
	switch m.state {
	case CameraStarting, CameraRecording, CameraStopping:
		log.Printf("カメラ %s: %s 中のためBeginインテントを無視します", m.binding.ID, m.state)
		m.mu.Unlock()
		return nil
	case CameraFaulted:
		if m.tz.Now().Before(m.faultedUntil) {
			until := m.faultedUntil
			m.mu.Unlock()
			return fmt.Errorf("カメラ %s: %w (%s まで)", m.binding.ID, ErrCameraFaulted, until.Format(time.RFC3339))
		}
		// クールダウン満了、受付を再開する
		log.Printf("カメラ %s: クールダウンが満了しました", m.binding.ID)
	}
	m.state = CameraStarting
	m.mu.Unlock()

	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindBeginAccepted,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		Detail:    intent.Reason,
	})

	handle, err := m.openWithRetry(ctx)
	if err != nil {
		m.recordFailure(intent, "", fmt.Sprintf("デバイス取得に失敗: %v", err))
		return fmt.Errorf("カメラ %s のデバイス取得に失敗: %w", m.binding.ID, err)
	}

	// 保存先: {storage_path}/{固定タイムゾーンの日付}/{camera}_auto_{machine}_{timestamp}.avi
	now := m.tz.Now()
	dir := filepath.Join(m.binding.StoragePath, m.tz.DateDir(now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = handle.Close()
		m.recordFailure(intent, "", fmt.Sprintf("保存先の作成に失敗: %v", err))
		return fmt.Errorf("カメラ %s の保存先の作成に失敗: %w", m.binding.ID, err)
	}
	name := fmt.Sprintf("%s_auto_%s_%s.avi", m.binding.ID, m.binding.Machine, m.tz.FilenameTimestamp(now))
	finalPath := filepath.Join(dir, name)
	partPath := finalPath + ".part"

	if err := handle.StartCapture(ctx, partPath); err != nil {
		_ = handle.Close()
		// 作られかけの録画中ファイルを消す
		// 残すと次回起動のRecoverが同じ失敗を二重に記録してしまう
		if removeErr := os.Remove(partPath); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Printf("カメラ %s: 録画中ファイルの削除に失敗しました: %v", m.binding.ID, removeErr)
		}
		m.recordFailure(intent, finalPath, fmt.Sprintf("録画開始に失敗: %v", err))
		return fmt.Errorf("カメラ %s の録画開始に失敗: %w", m.binding.ID, err)
	}

	session := registry.Session{
		ID:         uuid.New().String(),
		CameraID:   m.binding.ID,
		MachineID:  m.binding.Machine,
		StartedAt:  now,
		Status:     registry.StatusRunning,
		OutputPath: finalPath,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reg.Record(session); err != nil {
		// 二重録画の防止に失敗した場合はデバイスを解放して中断する
		_ = handle.StopCapture(ctx)
		_ = handle.Close()
		m.state = CameraIdle
		return fmt.Errorf("カメラ %s のセッション登録に失敗: %w", m.binding.ID, err)
	}

	m.state = CameraRecording
	m.handle = handle
	m.session = &session
	m.finalPath = finalPath
	m.partPath = partPath
	m.gen++
	gen := m.gen

	// デバイスエラーの監視
	go m.watchDevice(handle, gen)

	// 最大録画時間の監視
	if maxDur := m.cfg.MaxDuration.Std(); maxDur > 0 {
		m.stopTimer = time.AfterFunc(maxDur, func() { m.maxDurationElapsed(gen) })
	}

	log.Printf("カメラ %s: 録画を開始しました (session=%s path=%s)", m.binding.ID, session.ID, finalPath)
	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindRecordingStarted,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		SessionID: session.ID,
		Detail:    intent.Reason,
	})

	return nil
}

// recordFailure は開始できなかったセッションをFailedとして記録する
func (m *SessionManager) recordFailure(intent machine.Intent, outputPath, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailureLocked(intent, outputPath, errMsg)
}

// HandleEnd はEndインテントを処理する
// 録画していない場合は何もしない（冪等）
func (m *SessionManager) HandleEnd(ctx context.Context, intent machine.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != CameraRecording {
		log.Printf("カメラ %s: %s 中のためEndインテントを無視します", m.binding.ID, m.state)
		return nil
	}

	m.stopLocked(intent.Reason)
	return nil
}

// ForceClose は実行中のセッションを強制的にFailedとして確定する
// シャットダウンの猶予時間を超えた場合にのみ使う
func (m *SessionManager) ForceClose(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != CameraRecording && m.state != CameraStopping {
		return
	}

	m.cancelTimerLocked()
	if m.handle != nil {
		_ = m.handle.Close()
	}
	m.finalizeLocked(registry.StatusFailed, reason)
	m.state = CameraIdle
}

// openWithRetry は指数バックオフ付きの有限リトライでデバイスを取得する
func (m *SessionManager) openWithRetry(ctx context.Context) (Handle, error) {
	backoff := m.cfg.RetryBackoff.Std()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.OpenAttempts; attempt++ {
		openCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout.Std())
		handle, err := m.device.Open(openCtx)
		cancel()

		if err == nil {
			return handle, nil
		}
		lastErr = err
		log.Printf("カメラ %s: デバイス取得に失敗しました (%d/%d回目): %v",
			m.binding.ID, attempt, m.cfg.OpenAttempts, err)

		if attempt == m.cfg.OpenAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("デバイス取得を%d回試行しましたが失敗しました: %w", m.cfg.OpenAttempts, lastErr)
}

// stopLocked は録画を停止してセッションを確定する（ロック済み・state=Recording前提）
func (m *SessionManager) stopLocked(reason string) {
	m.state = CameraStopping
	m.cancelTimerLocked()

	stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout.Std())
	err := m.handle.StopCapture(stopCtx)
	cancel()
	_ = m.handle.Close()

	if err != nil {
		log.Printf("カメラ %s: 録画停止に失敗しました: %v", m.binding.ID, err)
		m.finalizeLocked(registry.StatusFailed, fmt.Sprintf("録画停止に失敗: %v", err))
		m.deviceFailureLocked()
		return
	}

	log.Printf("カメラ %s: 録画を停止しました (%s)", m.binding.ID, reason)
	m.finalizeLocked(registry.StatusCompleted, "")
	m.consecutiveFailures = 0
	m.state = CameraIdle
}

// watchDevice は録画中の非同期デバイスエラーを待ち受ける
func (m *SessionManager) watchDevice(handle Handle, gen uint64) {
	err, ok := <-handle.Done()
	if !ok || err == nil {
		// 正常停止
		return
	}
	m.onDeviceError(gen, err)
}

// onDeviceError は録画中のデバイスエラーを暗黙のEndとして処理する
func (m *SessionManager) onDeviceError(gen uint64, devErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 古い世代からの通知は無視する
	if gen != m.gen || m.state != CameraRecording {
		return
	}

	log.Printf("カメラ %s: 録画中にデバイスエラーが発生しました: %v", m.binding.ID, devErr)

	m.cancelTimerLocked()
	_ = m.handle.Close()
	m.finalizeLocked(registry.StatusFailed, fmt.Sprintf("デバイスエラー: %v", devErr))
	m.deviceFailureLocked()
}

// maxDurationElapsed は最大録画時間に達したセッションを正常終了させる
func (m *SessionManager) maxDurationElapsed(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != CameraRecording {
		return
	}

	log.Printf("カメラ %s: 最大録画時間に達しました", m.binding.ID)
	m.stopLocked("最大録画時間に到達")
}

// finalizeLocked はセッションを終了状態にしてレジストリへ記録する（ロック済み前提）
func (m *SessionManager) finalizeLocked(status registry.SessionStatus, errMsg string) {
	if m.session == nil {
		return
	}

	// 録画中ファイルを確定名へリネームする
	// 失敗したセッションでも部分的な録画は保全する
	if m.partPath != "" {
		if err := os.Rename(m.partPath, m.finalPath); err != nil && !os.IsNotExist(err) {
			log.Printf("カメラ %s: 録画ファイルの確定に失敗しました: %v", m.binding.ID, err)
		}
	}

	ended := m.tz.Now()
	s := *m.session
	s.EndedAt = &ended
	s.Status = status
	s.Error = errMsg

	if err := m.reg.Record(s); err != nil {
		log.Printf("カメラ %s: セッション記録の更新に失敗しました: %v", m.binding.ID, err)
	}

	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindRecordingEnded,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		SessionID: s.ID,
		Detail:    string(status),
	})

	m.session = nil
	m.handle = nil
	m.partPath = ""
	m.finalPath = ""
}

// recordFailureLocked は開始できなかったセッションをFailedとして記録し、
// カメラを障害クールダウンへ遷移させる（ロック済み前提）
func (m *SessionManager) recordFailureLocked(intent machine.Intent, outputPath, errMsg string) {
	now := m.tz.Now()
	ended := now
	s := registry.Session{
		ID:         uuid.New().String(),
		CameraID:   m.binding.ID,
		MachineID:  m.binding.Machine,
		StartedAt:  now,
		EndedAt:    &ended,
		Status:     registry.StatusFailed,
		OutputPath: outputPath,
		Error:      errMsg,
	}
	if err := m.reg.Record(s); err != nil {
		log.Printf("カメラ %s: 失敗セッションの記録に失敗しました: %v", m.binding.ID, err)
	}

	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindRecordingEnded,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		SessionID: s.ID,
		Detail:    errMsg,
	})

	m.partPath = ""
	m.finalPath = ""
	m.consecutiveFailures++
	m.enterFaultedLocked()
}

// deviceFailureLocked は録画中のデバイス障害を数え、
// しきい値を超えた場合に延長クールダウンへ遷移させる（ロック済み前提）
func (m *SessionManager) deviceFailureLocked() {
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.cfg.FailureThreshold {
		m.enterFaultedLocked()
		return
	}
	m.state = CameraIdle
}

// enterFaultedLocked はカメラを障害クールダウンへ遷移させる（ロック済み前提）
func (m *SessionManager) enterFaultedLocked() {
	cooldown := m.cfg.FaultCooldown.Std()
	if m.consecutiveFailures >= m.cfg.FailureThreshold {
		cooldown = m.cfg.ExtendedCooldown.Std()
	}

	m.state = CameraFaulted
	m.faultedUntil = m.tz.Now().Add(cooldown)
	log.Printf("カメラ %s: 障害クールダウンに入ります (%s まで)", m.binding.ID, m.faultedUntil.Format(time.RFC3339))

	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindCameraFaulted,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		Detail:    fmt.Sprintf("連続%d回目の失敗", m.consecutiveFailures),
	})
}

// cancelTimerLocked は最大録画時間タイマーを止める（ロック済み前提）
func (m *SessionManager) cancelTimerLocked() {
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
}
