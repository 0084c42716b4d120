// Package timezone は録画ファイル名に使う固定タイムゾーンの時刻処理を提供する
//
// 録画ファイルのタイムスタンプはプロセスのローカル時計ではなく、
// 設定された固定タイムゾーン（デフォルト: America/New_York）で記録する。
// サーバーのタイムゾーン設定に依存しない一貫したファイル名を保証するため。
package timezone

import (
	"fmt"
	"time"
)

// DefaultName はデフォルトのタイムゾーン名
const DefaultName = "America/New_York"

// Manager は固定タイムゾーンでの時刻変換とフォーマットを担う
type Manager struct {
	name string
	loc  *time.Location
}

// NewManager は指定された名前のタイムゾーンマネージャーを作成する
func NewManager(name string) (*Manager, error) {
	if name == "" {
		name = DefaultName
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーン %s の読み込みに失敗: %w", name, err)
	}

	return &Manager{name: name, loc: loc}, nil
}

// Name はタイムゾーン名を返す
func (m *Manager) Name() string {
	return m.name
}

// Now は固定タイムゾーンでの現在時刻を返す
func (m *Manager) Now() time.Time {
	return time.Now().In(m.loc)
}

// ToLocal は任意の時刻を固定タイムゾーンに変換する
func (m *Manager) ToLocal(t time.Time) time.Time {
	return t.In(m.loc)
}

// FilenameTimestamp はファイル名に埋め込むタイムスタンプ文字列を返す
// 特殊文字を含まない形式（例: 20260828_153005）
func (m *Manager) FilenameTimestamp(t time.Time) string {
	return t.In(m.loc).Format("20060102_150405")
}

// DateDir は日付ごとの保存ディレクトリ名を返す（例: 2026-08-28）
func (m *Manager) DateDir(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}
