package recorder

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Device はカメラデバイスへの能力セットを表す
// 実デバイス（ffmpeg経由）とテスト用モックが実装する
type Device interface {
	// Open はデバイスを排他的に取得する
	Open(ctx context.Context) (Handle, error)
}

// Handle は取得済みデバイスの録画操作を表す
type Handle interface {
	// StartCapture は指定されたパスへの録画を開始する
	StartCapture(ctx context.Context, outputPath string) error

	// StopCapture は録画を停止し、ファイナライズの完了を待つ
	StopCapture(ctx context.Context) error

	// Done は録画中の非同期デバイスエラーを通知するチャンネルを返す
	// 正常停止時はエラーを送らずにクローズされる
	Done() <-chan error

	// Close はデバイスを解放する
	Close() error
}

// MockDevice はテスト用のデバイス実装
// 取得失敗やデバイスエラーの注入ができる
type MockDevice struct {
	mu sync.Mutex

	// テスト制御用
	failOpens     int           // 最初のN回のOpenを失敗させる
	failStart     bool          // StartCaptureを失敗させる
	failStop      bool          // StopCaptureを失敗させる
	openDelay     time.Duration // Openの所要時間
	openCount     int
	currentHandle *MockHandle
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

// SetFailOpens は最初のN回のOpenを失敗させる
func (d *MockDevice) SetFailOpens(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpens = n
}

// SetFailStart はStartCaptureの失敗を設定する
func (d *MockDevice) SetFailStart(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStart = fail
}

// SetOpenDelay はOpenの所要時間を設定する
// 取得に時間のかかるデバイスを再現する
func (d *MockDevice) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
}

// SetFailStop はStopCaptureの失敗を設定する
func (d *MockDevice) SetFailStop(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStop = fail
}

// OpenCount はOpenが呼ばれた回数を返す
func (d *MockDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

// Handle は現在取得中のハンドルを返す（テスト用）
func (d *MockDevice) Handle() *MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentHandle
}

// Open はデバイスを取得する
func (d *MockDevice) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	delay := d.openDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.openCount++
	if d.openCount <= d.failOpens {
		return nil, fmt.Errorf("モック: デバイス取得に失敗 (%d回目)", d.openCount)
	}

	h := &MockHandle{
		done:      make(chan error, 1),
		failStart: d.failStart,
		failStop:  d.failStop,
	}
	d.currentHandle = h
	return h, nil
}

// MockHandle はテスト用のハンドル実装
type MockHandle struct {
	mu         sync.Mutex
	done       chan error
	capturing  bool
	closed     bool
	doneClosed bool
	outputPath string

	failStart bool
	failStop  bool
}

// StartCapture は録画開始を記録する
// 実デバイスと同様に出力ファイルを作成する（失敗時も作られかけが残る）
func (h *MockHandle) StartCapture(_ context.Context, outputPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, err := os.Create(outputPath); err == nil {
		_ = f.Close()
	}
	if h.failStart {
		return fmt.Errorf("モック: 録画開始に失敗")
	}
	h.capturing = true
	h.outputPath = outputPath
	return nil
}

// StopCapture は録画停止を記録する
func (h *MockHandle) StopCapture(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failStop {
		return fmt.Errorf("モック: 録画停止に失敗")
	}
	h.capturing = false
	h.closeDoneLocked()
	return nil
}

// Done は非同期エラーチャンネルを返す
func (h *MockHandle) Done() <-chan error {
	return h.done
}

// Close はデバイス解放を記録する
func (h *MockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.capturing = false
	h.closeDoneLocked()
	return nil
}

// InjectError は録画中のデバイスエラーを注入する（テスト用）
func (h *MockHandle) InjectError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.doneClosed {
		return
	}
	h.done <- err
	h.doneClosed = true
	close(h.done)
}

// Capturing は録画中かどうかを返す（テスト用）
func (h *MockHandle) Capturing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capturing
}

// Closed は解放済みかどうかを返す（テスト用）
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// OutputPath は録画先のパスを返す（テスト用）
func (h *MockHandle) OutputPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outputPath
}

func (h *MockHandle) closeDoneLocked() {
	if !h.doneClosed {
		h.doneClosed = true
		close(h.done)
	}
}
