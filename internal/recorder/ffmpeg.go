package recorder

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
)

// ffmpegの録画パラメータのデフォルト値
const (
	defaultFPS    = 15
	defaultWidth  = 1280
	defaultHeight = 720
)

// FFmpegDevice はffmpeg経由でV4L2デバイスから録画するDevice実装
type FFmpegDevice struct {
	devicePath string
	fps        int
	width      int
	height     int
}

// NewFFmpegDevice は新しいFFmpegDeviceを作成する
func NewFFmpegDevice(devicePath string) *FFmpegDevice {
	return &FFmpegDevice{
		devicePath: devicePath,
		fps:        defaultFPS,
		width:      defaultWidth,
		height:     defaultHeight,
	}
}

// Open はデバイスの利用可能性を確認してハンドルを返す
func (d *FFmpegDevice) Open(ctx context.Context) (Handle, error) {
	// v4l2-ctlコマンドでデバイス情報を取得して確認
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", d.devicePath, "--info")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("デバイス %s が利用できません: %w", d.devicePath, err)
	}

	return &ffmpegHandle{device: d, done: make(chan error, 1)}, nil
}

// ffmpegHandle は実行中のffmpegプロセスを管理するHandle実装
type ffmpegHandle struct {
	device *FFmpegDevice

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	finished bool

	done chan error
}

// StartCapture はffmpegプロセスを起動して録画を開始する
func (h *ffmpegHandle) StartCapture(ctx context.Context, outputPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil {
		return fmt.Errorf("デバイス %s は既に録画中です", h.device.devicePath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 出力先の拡張子が .part のためフォーマットを明示する
	cmd := exec.Command(
		"ffmpeg",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", h.device.fps),
		"-video_size", fmt.Sprintf("%dx%d", h.device.width, h.device.height),
		"-i", h.device.devicePath,
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-f", "avi",
		"-y", outputPath,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	h.cmd = cmd

	// プロセスの終了を監視する
	// 停止要求なしに終了した場合はデバイスエラーとして通知する
	go func() {
		err := cmd.Wait()

		h.mu.Lock()
		stopping := h.stopping
		h.finished = true
		h.mu.Unlock()

		if stopping {
			close(h.done)
			return
		}

		if err == nil {
			err = fmt.Errorf("ffmpegが予期せず終了しました")
		} else {
			err = fmt.Errorf("ffmpegが予期せず終了しました: %w", err)
		}
		h.done <- err
		close(h.done)
	}()

	return nil
}

// StopCapture はffmpegへ割り込みシグナルを送り、終了を待つ
// タイムアウトした場合は強制終了してエラーを返す
func (h *ffmpegHandle) StopCapture(ctx context.Context) error {
	h.mu.Lock()
	if h.cmd == nil {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	proc := h.cmd.Process
	h.mu.Unlock()

	// SIGINTでffmpegにファイナライズさせる
	if err := proc.Signal(os.Interrupt); err != nil {
		log.Printf("ffmpegへのシグナル送信に失敗: %v", err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = proc.Kill()
		return fmt.Errorf("録画停止がタイムアウトしました: %w", ctx.Err())
	}
}

// Done は非同期エラーチャンネルを返す
func (h *ffmpegHandle) Done() <-chan error {
	return h.done
}

// Close はプロセスが残っていれば強制終了する
func (h *ffmpegHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil && !h.finished {
		h.stopping = true
		_ = h.cmd.Process.Kill()
	}
	return nil
}
