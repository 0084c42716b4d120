package recorder

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"kiroku/internal/lifecycle"
	"kiroku/internal/registry"
)

// partSuffix は録画中ファイルの拡張子
const partSuffix = ".part"

// Recover は前回実行で中断された録画を検出してFailedとして確定する
// 中断録画の再開は決して行わない（破損した連結を避けるため）
// 起動時、インテントの受付を始める前に1度だけ呼ぶ
func (m *SessionManager) Recover() error {
	root := m.binding.StoragePath
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	var recovered int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, partSuffix) {
			return nil
		}

		if err := m.finalizeOrphan(path, d); err != nil {
			log.Printf("カメラ %s: 中断録画 %s の確定に失敗しました: %v", m.binding.ID, path, err)
			return nil
		}
		recovered++
		return nil
	})
	if err != nil {
		return fmt.Errorf("カメラ %s の保存先の走査に失敗: %w", m.binding.ID, err)
	}

	if recovered > 0 {
		log.Printf("カメラ %s: 中断録画を%d件Failedとして確定しました", m.binding.ID, recovered)
	}
	return nil
}

// finalizeOrphan は中断録画ファイル1件をFailedセッションとして記録する
func (m *SessionManager) finalizeOrphan(path string, d fs.DirEntry) error {
	finalPath := strings.TrimSuffix(path, partSuffix)
	if err := os.Rename(path, finalPath); err != nil {
		return fmt.Errorf("リネームに失敗: %w", err)
	}

	// 開始時刻は失われているため、ファイルの更新時刻で近似する
	started := m.tz.Now()
	if info, err := d.Info(); err == nil {
		started = m.tz.ToLocal(info.ModTime())
	}
	ended := m.tz.Now()

	s := registry.Session{
		ID:         uuid.New().String(),
		CameraID:   m.binding.ID,
		MachineID:  m.binding.Machine,
		StartedAt:  started,
		EndedAt:    &ended,
		Status:     registry.StatusFailed,
		OutputPath: finalPath,
		Error:      "プロセス再起動により中断された録画",
	}
	if err := m.reg.Record(s); err != nil {
		return fmt.Errorf("セッション記録に失敗: %w", err)
	}

	m.bus.Publish(lifecycle.Event{
		Kind:      lifecycle.KindRecordingEnded,
		CameraID:  m.binding.ID,
		MachineID: m.binding.Machine,
		SessionID: s.ID,
		Detail:    s.Error,
	})

	return nil
}
