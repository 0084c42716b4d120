package machine

import (
	"testing"
	"time"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// TestTransitions は基本的な状態遷移とインテント生成をテストする
func TestTransitions(t *testing.T) {
	m := New("m1", []string{"c1"}, 2*time.Second)

	if m.State() != StateIdle {
		t.Fatalf("初期状態がIdleではありません: %s", m.State())
	}

	// Idle -> Active で Begin インテントが発行される
	intents, err := m.Handle(Event{MachineID: "m1", Active: true, ObservedAt: base})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("インテント数が一致しません: got %d, want 1", len(intents))
	}
	if intents[0].Kind != IntentBegin || intents[0].CameraID != "c1" {
		t.Errorf("Beginインテントが期待されました: %+v", intents[0])
	}
	if m.State() != StateActive {
		t.Errorf("Activeへの遷移に失敗しました: %s", m.State())
	}

	// Active -> Idle で End インテントが発行される
	intents, err = m.Handle(Event{MachineID: "m1", Active: false, ObservedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != IntentEnd {
		t.Errorf("Endインテントが期待されました: %+v", intents)
	}
	if m.State() != StateIdle {
		t.Errorf("Idleへの遷移に失敗しました: %s", m.State())
	}
}

// TestDuplicateSuppression は重複イベントがインテントを生まないことをテストする
// Idle->Active 遷移の回数だけ Begin が発行される（冪等性）
func TestDuplicateSuppression(t *testing.T) {
	m := New("m1", []string{"c1"}, 2*time.Second)

	events := []Event{
		{MachineID: "m1", Active: true, ObservedAt: base},
		{MachineID: "m1", Active: true, ObservedAt: base.Add(time.Second)},
		{MachineID: "m1", Active: true, ObservedAt: base.Add(2 * time.Second)},
		{MachineID: "m1", Active: false, ObservedAt: base.Add(3 * time.Second)},
		{MachineID: "m1", Active: false, ObservedAt: base.Add(4 * time.Second)},
		{MachineID: "m1", Active: true, ObservedAt: base.Add(5 * time.Second)},
	}

	var begins, ends int
	for _, ev := range events {
		intents, err := m.Handle(ev)
		if err != nil {
			t.Fatalf("予期しないエラーが発生しました: %v", err)
		}
		for _, intent := range intents {
			switch intent.Kind {
			case IntentBegin:
				begins++
			case IntentEnd:
				ends++
			}
		}
	}

	if begins != 2 {
		t.Errorf("Beginインテント数が一致しません: got %d, want 2", begins)
	}
	if ends != 1 {
		t.Errorf("Endインテント数が一致しません: got %d, want 1", ends)
	}

	snap := m.Snapshot()
	if snap.Duplicates != 3 {
		t.Errorf("重複カウンタが一致しません: got %d, want 3", snap.Duplicates)
	}
}

// TestStaleRejection は許容時間より古いイベントが状態を変えないことをテストする
func TestStaleRejection(t *testing.T) {
	tolerance := 2 * time.Second
	m := New("m1", []string{"c1"}, tolerance)

	if _, err := m.Handle(Event{MachineID: "m1", Active: true, ObservedAt: base}); err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}

	// 許容時間を超えて古いイベントは破棄される
	intents, err := m.Handle(Event{MachineID: "m1", Active: false, ObservedAt: base.Add(-tolerance - time.Second)})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("古いイベントがインテントを生成しました: %+v", intents)
	}
	if m.State() != StateActive {
		t.Errorf("古いイベントが状態を変更しました: %s", m.State())
	}

	snap := m.Snapshot()
	if snap.Stale != 1 {
		t.Errorf("順序乱れカウンタが一致しません: got %d, want 1", snap.Stale)
	}

	// 許容時間内の遅延イベントは処理される
	intents, err = m.Handle(Event{MachineID: "m1", Active: false, ObservedAt: base.Add(-time.Second)})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 1 || intents[0].Kind != IntentEnd {
		t.Errorf("許容範囲内のイベントが処理されませんでした: %+v", intents)
	}
}

// TestMalformedEvents は不正イベントの拒否をテストする
func TestMalformedEvents(t *testing.T) {
	m := New("m1", []string{"c1"}, 2*time.Second)

	testCases := []struct {
		name  string
		event Event
	}{
		{name: "別マシン宛て", event: Event{MachineID: "m2", Active: true, ObservedAt: base}},
		{name: "観測時刻なし", event: Event{MachineID: "m1", Active: true}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			intents, err := m.Handle(tc.event)
			if err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if len(intents) != 0 {
				t.Errorf("不正イベントがインテントを生成しました: %+v", intents)
			}
		})
	}

	if m.State() != StateIdle {
		t.Errorf("不正イベントが状態を変更しました: %s", m.State())
	}
	if snap := m.Snapshot(); snap.Malformed != 2 {
		t.Errorf("不正イベントカウンタが一致しません: got %d, want 2", snap.Malformed)
	}
}

// TestMultipleCameras は複数カメラへのインテント展開をテストする
func TestMultipleCameras(t *testing.T) {
	m := New("m1", []string{"c1", "c2", "c3"}, 2*time.Second)

	intents, err := m.Handle(Event{MachineID: "m1", Active: true, ObservedAt: base})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("インテント数が一致しません: got %d, want 3", len(intents))
	}

	seen := make(map[string]bool)
	for _, intent := range intents {
		if intent.Kind != IntentBegin {
			t.Errorf("Beginインテントが期待されました: %+v", intent)
		}
		seen[intent.CameraID] = true
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if !seen[id] {
			t.Errorf("カメラ %s へのインテントがありません", id)
		}
	}
}

// TestNoCameras はカメラが紐付かないマシンの遷移をテストする
func TestNoCameras(t *testing.T) {
	m := New("m1", nil, 2*time.Second)

	intents, err := m.Handle(Event{MachineID: "m1", Active: true, ObservedAt: base})
	if err != nil {
		t.Fatalf("予期しないエラーが発生しました: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("カメラなしでインテントが生成されました: %+v", intents)
	}
	if m.State() != StateActive {
		t.Errorf("状態遷移自体は行われるべきです: %s", m.State())
	}
}
